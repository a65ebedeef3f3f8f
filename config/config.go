// Package config loads the bridge configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/mcp-stdio-bridge/bridge"
	"github.com/ggoodman/mcp-stdio-bridge/process"
	"github.com/ggoodman/mcp-stdio-bridge/readiness"
)

// Config is decoded from BRIDGE_* environment variables. Defaults are
// provided via struct tags.
type Config struct {
	// Command is the child executable. ENV: BRIDGE_COMMAND
	Command string `env:"BRIDGE_COMMAND,required"`
	// Args are split on whitespace. ENV: BRIDGE_ARGS
	Args string `env:"BRIDGE_ARGS"`
	// RequiredEnv is a comma separated list of variables the child needs.
	// ENV: BRIDGE_REQUIRED_ENV
	RequiredEnv string `env:"BRIDGE_REQUIRED_ENV"`
	// Dir is the child working directory. ENV: BRIDGE_DIR
	Dir string `env:"BRIDGE_DIR"`

	ReadyTimeout   time.Duration `env:"BRIDGE_READY_TIMEOUT,default=30s"`
	RequestTimeout time.Duration `env:"BRIDGE_REQUEST_TIMEOUT,default=30s"`
	HandshakeDelay time.Duration `env:"BRIDGE_HANDSHAKE_DELAY,default=500ms"`
	// ReadyMarkers is a comma separated list replacing the default
	// substring markers. ENV: BRIDGE_READY_MARKERS
	ReadyMarkers string `env:"BRIDGE_READY_MARKERS"`

	// TerminateGrace is how long the child gets to exit after SIGTERM
	// before it is killed. ENV: BRIDGE_TERMINATE_GRACE
	TerminateGrace time.Duration `env:"BRIDGE_TERMINATE_GRACE,default=5s"`

	ListenAddr      string        `env:"BRIDGE_LISTEN_ADDR,default=:8080"`
	ShutdownTimeout time.Duration `env:"BRIDGE_SHUTDOWN_TIMEOUT,default=10s"`
	LogLevel        string        `env:"BRIDGE_LOG_LEVEL,default=info"`
	LogFormat       string        `env:"BRIDGE_LOG_FORMAT,default=json"`

	// RedisAddr enables the Redis lifecycle broker; empty keeps events in
	// memory. ENV: BRIDGE_REDIS_ADDR
	RedisAddr   string `env:"BRIDGE_REDIS_ADDR"`
	RedisPrefix string `env:"BRIDGE_REDIS_PREFIX,default=mcpbridge:"`
}

// Load decodes and validates the configuration.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Command) == "" {
		errs = append(errs, errors.New("BRIDGE_COMMAND must not be empty"))
	}
	for name, d := range map[string]time.Duration{
		"BRIDGE_READY_TIMEOUT":    c.ReadyTimeout,
		"BRIDGE_REQUEST_TIMEOUT":  c.RequestTimeout,
		"BRIDGE_SHUTDOWN_TIMEOUT": c.ShutdownTimeout,
		"BRIDGE_TERMINATE_GRACE":  c.TerminateGrace,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.HandshakeDelay < 0 {
		errs = append(errs, fmt.Errorf("BRIDGE_HANDSHAKE_DELAY must not be negative, got %s", c.HandshakeDelay))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("BRIDGE_LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("BRIDGE_LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// ProcessConfig projects the child process settings. The child inherits the
// bridge environment so that secrets reach it without being restated.
func (c Config) ProcessConfig() process.Config {
	return process.Config{
		Command:     c.Command,
		Args:        strings.Fields(c.Args),
		RequiredEnv: splitList(c.RequiredEnv),
		InheritEnv:  true,
		Dir:         c.Dir,
	}
}

// BridgeConfig projects the session settings.
func (c Config) BridgeConfig() bridge.Config {
	cfg := bridge.Config{
		Process:        c.ProcessConfig(),
		ReadyTimeout:   c.ReadyTimeout,
		RequestTimeout: c.RequestTimeout,
		HandshakeDelay: c.HandshakeDelay,
		TerminateGrace: c.TerminateGrace,
	}
	if markers := splitList(c.ReadyMarkers); len(markers) > 0 {
		cfg.Matchers = readiness.MarkerMatchers(markers)
	}
	return cfg
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
