package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BRIDGE_COMMAND", "node")
	t.Setenv("BRIDGE_ARGS", "build/index.js  --stdio")
	t.Setenv("BRIDGE_REQUIRED_ENV", "API_KEY, API_ENDPOINT,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReadyTimeout != 30*time.Second || cfg.RequestTimeout != 30*time.Second {
		t.Errorf("timeouts = %s/%s", cfg.ReadyTimeout, cfg.RequestTimeout)
	}
	if cfg.HandshakeDelay != 500*time.Millisecond {
		t.Errorf("HandshakeDelay = %s", cfg.HandshakeDelay)
	}
	if cfg.ListenAddr != ":8080" || cfg.LogFormat != "json" || cfg.RedisPrefix != "mcpbridge:" {
		t.Errorf("unexpected defaults %+v", cfg)
	}

	pc := cfg.ProcessConfig()
	if got := strings.Join(pc.Args, "|"); got != "build/index.js|--stdio" {
		t.Errorf("Args = %q", got)
	}
	if got := strings.Join(pc.RequiredEnv, "|"); got != "API_KEY|API_ENDPOINT" {
		t.Errorf("RequiredEnv = %q", got)
	}
	if !pc.InheritEnv {
		t.Error("child should inherit the environment")
	}

	bc := cfg.BridgeConfig()
	if bc.Matchers != nil {
		t.Error("default matchers should be left to the session")
	}
	if bc.Process.Command != "node" || bc.RequestTimeout != 30*time.Second || bc.TerminateGrace != 5*time.Second {
		t.Errorf("unexpected bridge config %+v", bc)
	}
}

func TestLoad_MissingCommand(t *testing.T) {
	t.Setenv("BRIDGE_COMMAND", "")
	t.Setenv("BRIDGE_LISTEN_ADDR", ":9999")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without BRIDGE_COMMAND")
	}
}

func TestLoad_ReadyMarkers(t *testing.T) {
	t.Setenv("BRIDGE_COMMAND", "python")
	t.Setenv("BRIDGE_READY_MARKERS", "Uvicorn running, booted")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ms := cfg.BridgeConfig().Matchers
	if len(ms) != 3 {
		t.Fatalf("matchers = %d, want 3", len(ms))
	}
	if ms[0].String() != "substring(uvicorn running)" {
		t.Errorf("first matcher = %s", ms[0])
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		Command:         "node",
		ReadyTimeout:    time.Second,
		RequestTimeout:  time.Second,
		ShutdownTimeout: time.Second,
		TerminateGrace:  time.Second,
		LogLevel:        "debug",
		LogFormat:       "text",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if lvl, _ := valid.Level(); lvl != slog.LevelDebug {
		t.Errorf("Level = %s", lvl)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"blank command", func(c *Config) { c.Command = "  " }, "BRIDGE_COMMAND"},
		{"zero ready timeout", func(c *Config) { c.ReadyTimeout = 0 }, "BRIDGE_READY_TIMEOUT"},
		{"negative request timeout", func(c *Config) { c.RequestTimeout = -time.Second }, "BRIDGE_REQUEST_TIMEOUT"},
		{"zero terminate grace", func(c *Config) { c.TerminateGrace = 0 }, "BRIDGE_TERMINATE_GRACE"},
		{"negative handshake", func(c *Config) { c.HandshakeDelay = -1 }, "BRIDGE_HANDSHAKE_DELAY"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "BRIDGE_LOG_LEVEL"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "BRIDGE_LOG_FORMAT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
