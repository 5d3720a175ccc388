package ingest

import (
	"path"
	"strings"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
)

// Development noise that never indicates a broken site.
var benignPatterns = []string{
	"download the react devtools",
	"react devtools",
	"[hmr]",
	"[vite]",
	"hot module replacement",
	"[webpack-dev-server]",
	"[fast refresh]",
	"favicon.ico",
	"source map",
	"sourcemap",
	"devtools failed to load",
	"this is a development-only",
	"running in development mode",
	"development build",
	"you are running a development",
}

// Messages that indicate code that cannot run.
var criticalPatterns = []string{
	"syntaxerror",
	"referenceerror",
	"typeerror",
	"rangeerror",
	"is not defined",
	"is not a function",
	"cannot read propert",
	"cannot find module",
	"failed to resolve module",
	"failed to fetch dynamically imported module",
	"failed to load module script",
	"unexpected token",
	"uncaught",
}

// Assets whose failure to load breaks the page.
var criticalAssets = map[string]bool{
	".js":   true,
	".mjs":  true,
	".cjs":  true,
	".jsx":  true,
	".ts":   true,
	".tsx":  true,
	".css":  true,
	".html": true,
}

// Classify decides whether an event needs a fix.
//
//   - benign development noise is never critical
//   - uncaught page errors are always critical
//   - failed requests are critical for scripts, modules, styles and documents
//   - console output is critical at level error or when it names a code error
func Classify(ev domain.ErrorEvent) domain.Severity {
	text := strings.ToLower(ev.Text)
	if containsAny(text, benignPatterns) || containsAny(strings.ToLower(ev.URL), benignPatterns) {
		return domain.SeverityNonCritical
	}

	switch ev.Type {
	case domain.EventPageError:
		return domain.SeverityCritical
	case domain.EventRequestFailed:
		if criticalAssets[assetExt(ev.URL)] || strings.Contains(text, "module") {
			return domain.SeverityCritical
		}
		return domain.SeverityNonCritical
	case domain.EventConsole:
		if strings.EqualFold(ev.Level, "error") || containsAny(text, criticalPatterns) {
			return domain.SeverityCritical
		}
	}
	return domain.SeverityNonCritical
}

// FilterCritical returns the critical events, preserving order.
func FilterCritical(events []domain.ErrorEvent) []domain.ErrorEvent {
	var out []domain.ErrorEvent
	for _, ev := range events {
		if Classify(ev) == domain.SeverityCritical {
			out = append(out, ev)
		}
	}
	return out
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// assetExt returns the lowercase extension of a URL path, ignoring query and
// fragment.
func assetExt(rawURL string) string {
	u := rawURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.ToLower(path.Ext(u))
}
