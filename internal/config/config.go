package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/alexjbarnes/timeline-sync/internal/models"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for timeline-sync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogLevel overrides the environment's default level when set.
	LogLevel string `env:"LOG_LEVEL"`

	// History server endpoint (ws:// or wss://) and bearer token.
	HistoryServerURL string `env:"HISTORY_SERVER_URL"`
	HistoryAuthToken string `env:"HISTORY_AUTH_TOKEN"`

	// StatePath is the bbolt file holding cached conversations. Defaults
	// to ~/.timeline-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// DeviceCapsFile is an optional YAML capability profile. It is
	// watched and re-applied when it changes.
	DeviceCapsFile string `env:"DEVICE_CAPS_FILE"`

	// DefaultConversation is selected at startup, as a conversation key
	// ("dm:alice", "group:team").
	DefaultConversation string `env:"DEFAULT_CONVERSATION"`

	// WarmupConversations are fetched in the background after startup.
	WarmupConversations []string `env:"WARMUP_CONVERSATIONS" envSeparator:","`

	// Timeline virtualization.
	TimelineWindowSize       int     `env:"TIMELINE_WINDOW_SIZE" envDefault:"240"`
	TimelineOverscan         int     `env:"TIMELINE_OVERSCAN" envDefault:"80"`
	TimelineVirtualThreshold int     `env:"TIMELINE_VIRTUAL_THRESHOLD" envDefault:"320"`
	TimelineViewportHeight   float64 `env:"TIMELINE_VIEWPORT_HEIGHT" envDefault:"720"`

	// MCP inspection endpoint.
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	// MCPAuthToken is a static bearer token required on /mcp when set.
	MCPAuthToken string `env:"MCP_AUTH_TOKEN"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the history token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.HistoryServerURL == "" {
		return fmt.Errorf("HISTORY_SERVER_URL is required")
	}

	u, err := url.Parse(c.HistoryServerURL)
	if err != nil {
		return fmt.Errorf("HISTORY_SERVER_URL: %w", err)
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("HISTORY_SERVER_URL must use ws:// or wss://, got %q", u.Scheme)
	}

	if c.DefaultConversation != "" {
		if _, err := models.ParseKey(c.DefaultConversation); err != nil {
			return fmt.Errorf("DEFAULT_CONVERSATION: %w", err)
		}
	}

	for _, key := range c.WarmupConversations {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}

		if _, err := models.ParseKey(key); err != nil {
			return fmt.Errorf("WARMUP_CONVERSATIONS entry %q: %w", key, err)
		}
	}

	if c.TimelineWindowSize <= 0 {
		return fmt.Errorf("TIMELINE_WINDOW_SIZE must be positive")
	}

	if c.TimelineOverscan < 0 {
		return fmt.Errorf("TIMELINE_OVERSCAN must not be negative")
	}

	if c.TimelineVirtualThreshold <= 0 {
		return fmt.Errorf("TIMELINE_VIRTUAL_THRESHOLD must be positive")
	}

	if c.TimelineViewportHeight <= 0 {
		return fmt.Errorf("TIMELINE_VIEWPORT_HEIGHT must be positive")
	}

	if c.EnableMCP && c.MCPListenAddr == "" {
		return fmt.Errorf("MCP_LISTEN_ADDR is required when MCP is enabled")
	}

	return nil
}

// DefaultStatePath returns ~/.timeline-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".timeline-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// DefaultTarget returns the conversation to select at startup, if any.
func (c *Config) DefaultTarget() (models.Target, bool) {
	if c.DefaultConversation == "" {
		return models.Target{}, false
	}

	t, err := models.ParseKey(c.DefaultConversation)
	if err != nil {
		return models.Target{}, false
	}

	return t, true
}

// WarmupTargets returns the parsed warmup list with blanks and
// duplicates removed, in configured order.
func (c *Config) WarmupTargets() []models.Target {
	seen := make(map[string]struct{})

	var out []models.Target

	for _, key := range c.WarmupConversations {
		t, err := models.ParseKey(strings.TrimSpace(key))
		if err != nil {
			continue
		}

		if _, dup := seen[t.Key()]; dup {
			continue
		}

		seen[t.Key()] = struct{}{}
		out = append(out, t)
	}

	return out
}
