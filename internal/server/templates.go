package server

import (
	_ "embed"
	"html/template"
	"net/http"

	"github.com/dgellow/quire-mcp/internal/log"
)

//go:embed templates/callback.html
var callbackPageTemplateHTML string

var callbackPageTemplate = template.Must(template.New("callback").Parse(callbackPageTemplateHTML))

// CallbackPageData is rendered after Quire redirects back to the proxy. Error and
// Description can come from Quire and are escaped like every other field.
// RedirectURL is trusted: it is a registered redirect URI, and registration
// refuses script-capable schemes.
type CallbackPageData struct {
	Title       string
	RedirectURL template.URL
	Error       string
	Description string
}

func renderCallbackPage(w http.ResponseWriter, status int, data CallbackPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.WriteHeader(status)
	if err := callbackPageTemplate.Execute(w, data); err != nil {
		log.LogError("Failed to render callback page: %v", err)
	}
}

func renderCallbackRedirect(w http.ResponseWriter, redirectURL string) {
	w.Header().Set("Location", redirectURL)
	renderCallbackPage(w, http.StatusFound, CallbackPageData{
		Title:       "Authorization complete",
		RedirectURL: template.URL(redirectURL),
	})
}

func renderCallbackError(w http.ResponseWriter, status int, code, description string) {
	renderCallbackPage(w, status, CallbackPageData{
		Title:       "Authorization failed",
		Error:       code,
		Description: description,
	})
}
