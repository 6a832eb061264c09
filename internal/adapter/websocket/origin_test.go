package websocket

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCheckOrigin(t *testing.T) {
	appURL := "https://broker.example.com/ws"

	tests := []struct {
		name          string
		origin        string
		isDevelopment bool
		want          bool
	}{
		{"empty origin", "", false, true},
		{"app origin", "https://broker.example.com", false, true},
		{"extra origin", "https://client.example.org", false, true},

		{"different host", "https://evil.com", false, false},
		{"different port", "https://broker.example.com:9090", false, false},
		{"http instead of https", "http://broker.example.com", false, false},
		{"subdomain", "https://sub.broker.example.com", false, false},

		{"localhost dev", "http://localhost:8080", true, true},
		{"127.0.0.1 dev", "http://127.0.0.1:3000", true, true},
		{"localhost prod rejected", "http://localhost:8080", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewCheckOrigin(appURL, tt.isDevelopment, "https://client.example.org/")
			r, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checker(r))
		})
	}
}

func TestExtractOrigin(t *testing.T) {
	tests := []struct {
		name   string
		rawURL string
		want   string
	}{
		{"full URL with path", "https://example.com/ws", "https://example.com"},
		{"URL with port", "https://example.com:8443/path", "https://example.com:8443"},
		{"empty string", "", ""},
		{"no host", "mailto:user@example.com", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractOrigin(tt.rawURL))
		})
	}
}
