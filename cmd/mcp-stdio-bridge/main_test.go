package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/ggoodman/mcp-stdio-bridge/broker/memory"
	"github.com/ggoodman/mcp-stdio-bridge/config"
)

func TestNewBroker(t *testing.T) {
	t.Run("memory when redis unset", func(t *testing.T) {
		b, closeBroker := newBroker(t.Context(), config.Config{}, slog.New(slog.DiscardHandler))
		defer closeBroker()
		if _, ok := b.(*memory.Broker); !ok {
			t.Fatalf("broker = %T, want *memory.Broker", b)
		}
	})

	t.Run("memory when redis does not answer", func(t *testing.T) {
		var buf bytes.Buffer
		log := slog.New(slog.NewTextHandler(&buf, nil))

		// Nothing listens on port 1.
		cfg := config.Config{RedisAddr: "127.0.0.1:1", RedisPrefix: "test:"}
		b, closeBroker := newBroker(t.Context(), cfg, log)
		defer closeBroker()
		if _, ok := b.(*memory.Broker); !ok {
			t.Fatalf("broker = %T, want *memory.Broker", b)
		}
		if !strings.Contains(buf.String(), "broker.redis.unavailable") {
			t.Errorf("expected a warning, log = %q", buf.String())
		}
	})
}
