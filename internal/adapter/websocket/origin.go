package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// NewCheckOrigin returns the upgrader's origin check. It allows empty origins (non-browser
// clients), the app's own origin (derived from appURL) and any origin listed in extra.
// When isDevelopment is true, localhost origins are additionally allowed.
func NewCheckOrigin(appURL string, isDevelopment bool, extra ...string) func(r *http.Request) bool {
	allowed := map[string]struct{}{}
	if origin := extractOrigin(appURL); origin != "" {
		allowed[origin] = struct{}{}
	}
	for _, o := range extra {
		allowed[strings.TrimSuffix(o, "/")] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		if origin == "" {
			return true
		}

		if _, ok := allowed[origin]; ok {
			return true
		}

		if isDevelopment && isLocalhostOrigin(origin) {
			return true
		}

		slog.Warn("WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		return false
	}
}

func extractOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}
