package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/puter-bridge/internal/accounts"
	"github.com/basket/puter-bridge/internal/broker"
	"github.com/basket/puter-bridge/internal/bus"
	"github.com/basket/puter-bridge/internal/config"
	"github.com/basket/puter-bridge/internal/cron"
	"github.com/basket/puter-bridge/internal/engine"
	"github.com/basket/puter-bridge/internal/gateway"
	otelPkg "github.com/basket/puter-bridge/internal/otel"
	"github.com/basket/puter-bridge/internal/persistence"
	"github.com/basket/puter-bridge/internal/upstream"
)

const shutdownTimeout = 5 * time.Second

// startupError carries the reason code for a failure before the gateway
// accepted its first connection.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func startupErr(code string, err error) error { return &startupError{code: code, err: err} }

// serve wires the bridge together and runs it until ctx is done or one of
// its long-running parts fails.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return startupErr("E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return startupErr("E_OTEL_INIT", err)
	}

	store, err := persistence.Open(config.DBPath(cfg.HomeDir))
	if err != nil {
		return startupErr("E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	modelCooldowns := engine.NewCooldownRegistry("models", cfg.ModelCooldown())
	accountCooldowns := engine.NewCooldownRegistry("accounts", cfg.AccountCooldown())
	for _, reg := range []*engine.CooldownRegistry{modelCooldowns, accountCooldowns} {
		reg.SetKVStore(store)
		if err := reg.LoadState(ctx); err != nil {
			logger.Warn("cooldown state not restored", "registry", reg.Name(), "error", err)
		}
	}
	logger.Info("startup phase", "phase", "cooldowns_restored",
		"models", len(modelCooldowns.Snapshot()),
		"accounts", len(accountCooldowns.Snapshot()))

	eventBus := bus.New()
	obs := broker.NewObserver(eventBus, metrics)
	fallback := engine.NewFallbackEngine(modelCooldowns, cfg.EngineFallback(),
		engine.WithFallbackObserver(obs),
		engine.WithFallbackLogger(logger))
	rotator := engine.NewAccountRotator(accountCooldowns, cfg.EngineRotation(),
		engine.WithRotatorObserver(obs),
		engine.WithRotatorLogger(logger))

	retry := cfg.EngineRetry()
	retry.OnRetry = func(_ int, err error, _ time.Duration) {
		metrics.RecordRetry(context.Background(), string(engine.Classify(err).Type))
	}
	client := upstream.New(upstream.Config{
		BaseURL: cfg.Upstream.BaseURL,
		Timeout: cfg.UpstreamTimeout(),
		Drivers: cfg.Upstream.Drivers,
		Retry:   retry,
	}, upstream.WithLogger(logger), upstream.WithTracer(otelProvider.Tracer))

	accs, err := accounts.Open(config.AuthPath(cfg.HomeDir), accounts.WithLogger(logger))
	if err != nil {
		return startupErr("E_ACCOUNTS_LOAD", err)
	}
	if !accs.IsAuthenticated() {
		logger.Warn("no Puter accounts configured; add one with `puterbridge accounts add <username> <token>`")
	}

	b, err := broker.New(broker.Config{
		Upstream:     client,
		Accounts:     accs,
		Fallback:     fallback,
		Rotator:      rotator,
		Ledger:       store,
		Bus:          eventBus,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
		Logger:       logger,
		DefaultModel: cfg.DefaultModel,
	})
	if err != nil {
		return startupErr("E_BROKER_INIT", err)
	}

	gw := gateway.New(gateway.Config{
		Broker:            b,
		Models:            client,
		Accounts:          accs,
		Store:             store,
		Bus:               eventBus,
		Tracer:            otelProvider.Tracer,
		Logger:            logger,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	sched, err := cron.NewScheduler(cron.Config{
		Registries:    []*engine.CooldownRegistry{modelCooldowns, accountCooldowns},
		Ledger:        store,
		Bus:           eventBus,
		Logger:        logger,
		SweepSchedule: cfg.SweepSchedule,
		RetentionDays: cfg.LedgerRetentionDays,
	})
	if err != nil {
		return startupErr("E_CRON_INIT", err)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		// Hot reload is a convenience; the gateway still serves without it.
		logger.Warn("config watcher unavailable; restart to pick up edits", "error", err)
	}

	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			return startupErr("E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		return startupErr("E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())

	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening",
			"addr", ln.Addr().String(),
			"openai", "/v1/chat/completions",
			"gemini", "/v1beta/models/{model}:generateContent")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(func() error {
		gw.StartBackground(gctx)
		watchReloads(gctx, watcher.Events(), accs, eventBus, logger)
		return nil
	})
	return g.Wait()
}

// accountReloader is the part of the account store the reload loop needs.
type accountReloader interface {
	Reload() (bool, error)
	Accounts() []engine.Account
}

// watchReloads applies auth.json edits live and reports config.yaml edits,
// which only take effect after a restart.
func watchReloads(ctx context.Context, events <-chan config.ReloadEvent, accs accountReloader, eventBus *bus.Bus, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch {
			case ev.IsAuth():
				payload := bus.ReloadEvent{Path: ev.Path, Applied: true}
				changed, err := accs.Reload()
				switch {
				case err != nil:
					payload.Applied = false
					payload.Error = err.Error()
					logger.Error("auth.json reload failed; keeping previous accounts", "error", err)
				case !changed:
					logger.Debug("auth.json unchanged since the gateway last wrote it")
					continue
				default:
					logger.Info("auth.json reloaded", "accounts", len(accs.Accounts()))
				}
				eventBus.Publish(bus.TopicAccountsChanged, payload)
			case ev.IsConfig():
				payload := bus.ReloadEvent{Path: ev.Path}
				if _, err := config.LoadFrom(filepath.Dir(ev.Path)); err != nil {
					payload.Error = err.Error()
					logger.Error("config.yaml is invalid; the running gateway keeps its settings", "error", err)
				} else {
					logger.Warn("config.yaml changed; restart the gateway to apply it")
				}
				eventBus.Publish(bus.TopicConfigReloaded, payload)
			}
		}
	}
}
