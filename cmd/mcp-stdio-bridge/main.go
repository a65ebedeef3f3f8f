// Command mcp-stdio-bridge runs a stdio MCP server as a child process and
// serves it over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-stdio-bridge/bridge"
	"github.com/ggoodman/mcp-stdio-bridge/broker"
	"github.com/ggoodman/mcp-stdio-bridge/broker/memory"
	redisbroker "github.com/ggoodman/mcp-stdio-bridge/broker/redis"
	"github.com/ggoodman/mcp-stdio-bridge/config"
	"github.com/ggoodman/mcp-stdio-bridge/httpbridge"
	"github.com/ggoodman/mcp-stdio-bridge/internal/logctx"
	"github.com/ggoodman/mcp-stdio-bridge/internal/metrics"
	"github.com/ggoodman/mcp-stdio-bridge/mcp"
)

var version = "dev"

const redisPingTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp-stdio-bridge: %v\n", err)
		return 2
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, closeBroker := newBroker(ctx, cfg, log)
	defer closeBroker()
	// Event ids from a previous run do not describe this child.
	if err := b.Cleanup(ctx, broker.TopicLifecycle); err != nil {
		log.Warn("broker.cleanup.fail", slog.String("topic", broker.TopicLifecycle), slog.String("err", err.Error()))
	}

	m := metrics.New()
	s := bridge.New(cfg.BridgeConfig(),
		bridge.WithLogger(log),
		bridge.WithBroker(b),
		bridge.WithMetrics(m),
		bridge.WithClientInfo(mcp.ImplementationInfo{Name: "mcp-stdio-bridge", Version: version}),
	)

	h, err := httpbridge.New(s,
		httpbridge.WithLogger(log),
		httpbridge.WithMetricsHandler(m.Handler()),
		httpbridge.WithEvents(b),
	)
	if err != nil {
		log.Error("http.init.fail", slog.String("err", err.Error()))
		return 1
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Error("http.listen.fail", slog.String("addr", cfg.ListenAddr), slog.String("err", err.Error()))
		return 1
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	code := 0
	if err := s.Start(ctx); err != nil {
		log.Error("bridge.start.fail", slog.String("kind", string(bridge.Classify(err))), slog.String("err", err.Error()))
		var initTimeout *bridge.InitTimeoutError
		if errors.As(err, &initTimeout) && initTimeout.BootLog != "" {
			log.Error("bridge.boot_log", slog.String("output", initTimeout.BootLog))
		}
		code = 1
	} else {
		select {
		case <-ctx.Done():
			log.Info("bridge.signal")
		case <-s.Done():
			log.Error("bridge.child.exited", slog.String("state", s.State().String()))
			code = 1
		case err := <-serveErr:
			if err != nil {
				log.Error("http.serve.fail", slog.String("err", err.Error()))
				code = 1
			}
		}
	}

	shutdown(log, cfg.ShutdownTimeout, srv, s)
	return code
}

// shutdown drains HTTP first so in-flight calls finish, then stops the child.
func shutdown(log *slog.Logger, timeout time.Duration, srv *http.Server, s *bridge.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http.shutdown.fail", slog.String("err", err.Error()))
	}
	if err := s.Shutdown(syscall.SIGTERM); err != nil {
		log.Warn("bridge.shutdown.fail", slog.String("err", err.Error()))
	}
	select {
	case <-s.Done():
	case <-ctx.Done():
		log.Warn("bridge.shutdown.timeout", slog.Int("pid", s.PID()))
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	lvl, _ := cfg.Level()
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(logctx.Handler{Handler: h})
}

// newBroker uses Redis when it is configured and answers a ping, and the
// in-memory broker otherwise.
func newBroker(ctx context.Context, cfg config.Config, log *slog.Logger) (broker.Broker, func()) {
	if cfg.RedisAddr == "" {
		return memory.New(), func() {}
	}
	rb := redisbroker.New(redisbroker.Config{
		Client:    redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
		KeyPrefix: cfg.RedisPrefix,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rb.Ping(pingCtx); err != nil {
		_ = rb.Close()
		log.Warn("broker.redis.unavailable", slog.String("addr", cfg.RedisAddr), slog.String("err", err.Error()))
		return memory.New(), func() {}
	}
	log.Info("broker.redis", slog.String("addr", cfg.RedisAddr), slog.String("prefix", cfg.RedisPrefix))
	return rb, func() { _ = rb.Close() }
}
