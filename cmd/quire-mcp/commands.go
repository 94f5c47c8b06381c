package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dgellow/quire-mcp/internal"
	"github.com/dgellow/quire-mcp/internal/config"
	"github.com/dgellow/quire-mcp/internal/log"
)

func newRootCmd() *cobra.Command {
	var configPath string

	serve := newServeCmd(&configPath)
	root := &cobra.Command{
		Use:   "quire-mcp",
		Short: "OAuth-protected MCP server for Quire",
		Long: `quire-mcp exposes Quire to MCP clients. It acts as an OAuth 2.1
authorization server for the clients and as an OAuth client of Quire,
and serves MCP sessions whose tools call Quire on the user's behalf.`,
		Version:      BuildVersion,
		SilenceUsage: true,
		// Errors are logged once by main
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          serve.RunE,
	}
	root.SetVersionTemplate(`{{printf "quire-mcp version %s\n" .Version}}`)
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (JSON or YAML)")

	root.AddCommand(serve, newValidateCmd(&configPath), newConfigInitCmd())
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if *configPath == "" {
				return fmt.Errorf("--config is required")
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log.LogInfoWithFields("main", "Starting quire-mcp", map[string]any{
				"version": BuildVersion,
				"config":  *configPath,
			})

			app, err := internal.NewQuireMCP(cmd.Context(), cfg, BuildVersion)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			if err := app.Run(cmd.Context()); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}
			return nil
		},
	}
}

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a config file without resolving environment variables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if *configPath == "" {
				return fmt.Errorf("--config is required for validation")
			}
			return validateConfig(cmd.OutOrStdout(), *configPath)
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config-init <path>",
		Short: "Write a starter config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := generateDefaultConfig(args[0]); err != nil {
				return fmt.Errorf("failed to generate config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated default config at: %s\n", args[0])
			return nil
		},
	}
}

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"version": config.SupportedVersion,
		"server": map[string]any{
			"baseURL":        "https://mcp.yourcompany.com",
			"addr":           config.DefaultAddr,
			"name":           config.DefaultName,
			"allowedOrigins": []string{"https://claude.ai"},
		},
		"quire": map[string]any{
			"clientId":         map[string]string{"$env": "QUIRE_CLIENT_ID"},
			"clientSecret":     map[string]string{"$env": "QUIRE_CLIENT_SECRET"},
			"authorizationURL": config.DefaultAuthorizationURL,
			"tokenURL":         config.DefaultTokenURL,
			"apiURL":           config.DefaultAPIURL,
		},
		"sessions": map[string]any{
			"maxSessions":     config.DefaultMaxSessions,
			"idleTimeout":     config.DefaultIdleTimeout.String(),
			"cleanupInterval": config.DefaultCleanupInterval.String(),
			"shutdownGrace":   config.DefaultShutdownGrace.String(),
		},
		"tokenCache": map[string]any{
			"kind": string(config.TokenCacheNone),
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func validateConfig(out io.Writer, path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Fprintf(out, "Validating: %s\n", path)
	printIssues(out, "Errors", result.Errors)
	printIssues(out, "Warnings", result.Warnings)

	fmt.Fprintln(out)
	switch {
	case len(result.Errors) == 0 && len(result.Warnings) == 0:
		fmt.Fprintln(out, "Result: PASS")
		return nil
	case len(result.Errors) == 0:
		fmt.Fprintln(out, "Result: FAIL (warnings present)")
	default:
		fmt.Fprintln(out, "Result: FAIL")
	}
	return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
}

func printIssues(out io.Writer, title string, issues []config.ValidationError) {
	if len(issues) == 0 {
		return
	}
	fmt.Fprintf(out, "\n%s (%d):\n", title, len(issues))
	for _, issue := range issues {
		if issue.Path != "" {
			fmt.Fprintf(out, "  - %s: %s\n", issue.Path, issue.Message)
		} else {
			fmt.Fprintf(out, "  - %s\n", issue.Message)
		}
	}
}
