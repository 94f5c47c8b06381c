// Package tools exposes Quire operations as MCP tools. Every handler acts with
// the upstream Quire token wrapped by the caller's verified bearer token.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/dgellow/quire-mcp/internal/log"
	"github.com/dgellow/quire-mcp/internal/oauth"
	"github.com/dgellow/quire-mcp/internal/quire"
)

const defaultSuggestionLimit = 10

// QuireAPI is the part of the Quire client the tools call
type QuireAPI interface {
	GetMe(ctx context.Context, token string) (*quire.User, error)
	ListProjects(ctx context.Context, token string) ([]quire.Project, error)
}

// ProjectSuggester completes project names from a per-token snapshot
type ProjectSuggester interface {
	Suggest(ctx context.Context, token, query string, limit int) ([]string, error)
	Forget(token string)
}

type handlers struct {
	api         QuireAPI
	suggestions ProjectSuggester
}

// Register adds the Quire tools to srv
func Register(srv *mcpserver.MCPServer, api QuireAPI, suggestions ProjectSuggester) {
	h := &handlers{api: api, suggestions: suggestions}

	srv.AddTool(mcp.NewTool("whoami",
		mcp.WithDescription("Show the Quire user this session acts as"),
	), h.whoami)

	srv.AddTool(mcp.NewTool("list_projects",
		mcp.WithDescription("List the Quire projects visible to the current user"),
		mcp.WithBoolean("include_archived",
			mcp.Description("Include archived projects (default: false)"),
		),
	), h.listProjects)

	srv.AddTool(mcp.NewTool("suggest_projects",
		mcp.WithDescription("Suggest Quire project names matching a partial name"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Start of, or text within, the project name"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of suggestions (default: 10)"),
		),
	), h.suggestProjects)
}

func upstreamToken(ctx context.Context) (string, bool) {
	info, ok := oauth.GetAuthInfo(ctx)
	if !ok || info.UpstreamToken == "" {
		return "", false
	}
	return info.UpstreamToken, true
}

func (h *handlers) whoami(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, ok := upstreamToken(ctx)
	if !ok {
		return mcp.NewToolResultError("not authenticated with Quire"), nil
	}
	user, err := h.api.GetMe(ctx, token)
	if err != nil {
		return h.quireFailure("whoami", token, err), nil
	}
	return jsonResult(user)
}

func (h *handlers) listProjects(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, ok := upstreamToken(ctx)
	if !ok {
		return mcp.NewToolResultError("not authenticated with Quire"), nil
	}
	projects, err := h.api.ListProjects(ctx, token)
	if err != nil {
		return h.quireFailure("list_projects", token, err), nil
	}

	if !req.GetBool("include_archived", false) {
		active := projects[:0:0]
		for _, p := range projects {
			if !p.Archived {
				active = append(active, p)
			}
		}
		projects = active
	}
	return jsonResult(projects)
}

func (h *handlers) suggestProjects(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, ok := upstreamToken(ctx)
	if !ok {
		return mcp.NewToolResultError("not authenticated with Quire"), nil
	}
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := req.GetInt("limit", defaultSuggestionLimit)

	names, err := h.suggestions.Suggest(ctx, token, query, limit)
	if err != nil {
		return h.quireFailure("suggest_projects", token, err), nil
	}
	return jsonResult(names)
}

// quireFailure turns a Quire error into a tool error the model can read.
// The raw response body stays in the server log. A rejected token loses its
// project snapshot.
func (h *handlers) quireFailure(tool, token string, err error) *mcp.CallToolResult {
	log.LogWarnWithFields("quire", "Quire call failed", map[string]any{
		"tool":  tool,
		"error": err.Error(),
	})

	var apiErr *quire.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Unauthorized() {
			h.suggestions.Forget(token)
			return mcp.NewToolResultError("Quire rejected the access token; re-authorize the client")
		}
		return mcp.NewToolResultError(fmt.Sprintf("Quire returned status %d", apiErr.StatusCode))
	}
	return mcp.NewToolResultError("Quire is unreachable")
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
