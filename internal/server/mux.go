// Package server provides HTTP server construction for timeline-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Health is the body of /healthz.
type Health struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	Selected  string `json:"selected,omitempty"`
	Message   string `json:"message,omitempty"`
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	MCPHandler http.Handler
	Health     func() Health
	Logger     *slog.Logger

	// AuthToken guards /mcp when set. /healthz stays open.
	AuthToken string
}

// NewMux builds the HTTP mux with the MCP endpoint and a health check.
// The health check reports 503 while the history transport is down.
func NewMux(cfg MuxConfig) *http.ServeMux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", BearerAuth(cfg.AuthToken, logger)(cfg.MCPHandler))
	mux.HandleFunc("GET /healthz", handleHealth(cfg))

	return mux
}

func handleHealth(cfg MuxConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		h := Health{Status: "ok"}
		if cfg.Health != nil {
			h = cfg.Health()
		}

		code := http.StatusOK
		if !h.Connected {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)

		if err := json.NewEncoder(w).Encode(h); err != nil && cfg.Logger != nil {
			cfg.Logger.Debug("writing health response", slog.String("error", err.Error()))
		}
	}
}
