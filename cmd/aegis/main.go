package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/maretto/aegis/internal/agent"
	"github.com/maretto/aegis/internal/engine"
	"github.com/maretto/aegis/internal/logging"
	"github.com/maretto/aegis/internal/metrics"
	"github.com/maretto/aegis/internal/ops"
	"github.com/maretto/aegis/internal/store"
	"github.com/maretto/aegis/internal/streaming"
	"github.com/maretto/aegis/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "aegis:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(aegisDir(), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	backends, primary, err := buildBackends(cfg, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	hub := streaming.NewMemoryHub()

	eng, err := engine.New(engine.Options{
		Store:    st,
		Backends: backends,
		Breakers: engine.NewCircuitBreakerRegistry(cfg.breakerConfig(), logger, m),
		Failover: cfg.failoverPolicy(),
		Primary:  primary,
		Hub:      hub,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	limiter := engine.NewRunLimiter(cfg.MaxRuns)
	defer limiter.Close()

	mcpSrv := mcp.NewServer(mcp.Deps{
		Engine:  eng,
		Store:   st,
		Limiter: limiter,
		Hub:     hub,
		Logger:  logger,
	})

	janitor := store.NewJanitor(st, store.JanitorConfig{
		Schedule:      cfg.JanitorSchedule,
		RetentionDays: cfg.RetentionDays,
	}, logger)

	logger.Info("aegis starting",
		slog.String("transport", cfg.Transport),
		slog.String("db_path", cfg.DBPath),
		slog.String("primary", primary),
		slog.Int("max_runs", cfg.MaxRuns))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := janitor.Start(gctx); err != nil {
			return fmt.Errorf("start janitor: %w", err)
		}
		<-gctx.Done()
		janitor.Stop()
		return nil
	})

	if cfg.OpsAddr != "" {
		opsSrv := ops.NewServer(cfg.OpsAddr, st, reg, logger)
		g.Go(func() error {
			return opsSrv.Start(gctx)
		})
	}

	g.Go(func() error {
		switch cfg.Transport {
		case "http":
			return mcpSrv.ServeHTTP(gctx, cfg.ListenAddr)
		case "stdio", "":
			return mcpSrv.Serve(gctx)
		default:
			return fmt.Errorf("unknown transport %q: must be stdio or http", cfg.Transport)
		}
	})

	err = g.Wait()

	// The transports have stopped admitting tool calls; wait for
	// in-flight runs to release their slots before the store closes.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDrain()
	if drainErr := limiter.Drain(drainCtx); drainErr != nil {
		logger.Warn("shutdown drain timed out with runs still in flight",
			slog.String("error", drainErr.Error()))
	}

	if ctx.Err() != nil {
		// A signal-triggered shutdown is a clean exit.
		logger.Info("aegis stopped")
		return nil
	}
	return err
}

// buildBackends registers the configured subprocess backends, falling
// back to a single scripted mock so the daemon boots with no settings.
func buildBackends(cfg Config, logger *slog.Logger) (*agent.Registry, string, error) {
	reg := agent.NewRegistry()

	if len(cfg.Backends) == 0 {
		logger.Warn("no backends configured, registering the built-in mock backend")
		if err := reg.Register(agent.NewScripted("mock")); err != nil {
			return nil, "", err
		}
		return reg, "mock", nil
	}

	for _, b := range cfg.Backends {
		a, err := agent.NewSubprocess(agent.SubprocessConfig{
			Name:         b.Name,
			Command:      b.Command,
			Args:         b.Args,
			Capabilities: b.Capabilities,
			CallTimeout:  time.Duration(b.CallTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, "", fmt.Errorf("backend %q: %w", b.Name, err)
		}
		if err := reg.Register(a); err != nil {
			return nil, "", fmt.Errorf("backend %q: %w", b.Name, err)
		}
	}

	primary := cfg.Primary
	if primary == "" {
		primary = cfg.Backends[0].Name
	}
	return reg, primary, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
