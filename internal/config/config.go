package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration, loaded from the environment with
// optional flag overrides applied by the caller.
type Config struct {
	// Addr is the listen address for the HTTP server.
	Addr string

	// HistoryLimit caps each room's operation history.
	HistoryLimit int

	// RoomRetention is how long an empty room survives before the idle
	// sweep reclaims it.
	RoomRetention time.Duration

	// SweepInterval is the period of the idle-room sweep.
	SweepInterval time.Duration

	// AuditDBPath enables the sqlite audit sink when non-empty.
	AuditDBPath string

	// AllowedOrigins for CORS on the diagnostics API.
	AllowedOrigins []string

	Debug bool
}

// Load reads configuration from environment variables, falling back to
// defaults suitable for local development.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:           ":8080",
		HistoryLimit:   500,
		RoomRetention:  time.Hour,
		SweepInterval:  60 * time.Second,
		AllowedOrigins: []string{"*"},
	}

	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		cfg.Addr = ":" + port
	}
	if addr := os.Getenv("SCRAWL_ADDR"); addr != "" {
		cfg.Addr = addr
	}

	if v := os.Getenv("SCRAWL_HISTORY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid SCRAWL_HISTORY_LIMIT %q", v)
		}
		cfg.HistoryLimit = n
	}

	if v := os.Getenv("SCRAWL_ROOM_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid SCRAWL_ROOM_RETENTION %q", v)
		}
		cfg.RoomRetention = d
	}

	if v := os.Getenv("SCRAWL_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid SCRAWL_SWEEP_INTERVAL %q", v)
		}
		cfg.SweepInterval = d
	}

	cfg.AuditDBPath = os.Getenv("SCRAWL_AUDIT_DB")

	if v := os.Getenv("SCRAWL_ALLOWED_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		if len(origins) > 0 {
			cfg.AllowedOrigins = origins
		}
	}

	if v := os.Getenv("SCRAWL_DEBUG"); v == "1" || v == "true" {
		cfg.Debug = true
	}

	return cfg, nil
}
