// Package daemon composes the fieldchatd process: store, window tracker,
// transport, connection manager, and orchestrator, wired through fx.
package daemon

import (
	"context"
	"errors"
	"io/fs"

	"github.com/mkamau/fieldchat/internal/bus"
	"github.com/mkamau/fieldchat/internal/config"
	"github.com/mkamau/fieldchat/internal/conn"
	"github.com/mkamau/fieldchat/internal/lock"
	"github.com/mkamau/fieldchat/internal/logging"
	"github.com/mkamau/fieldchat/internal/session"
	"github.com/mkamau/fieldchat/internal/status"
	"github.com/mkamau/fieldchat/internal/store"
	intsync "github.com/mkamau/fieldchat/internal/sync"
	"github.com/mkamau/fieldchat/internal/transport"
	"github.com/mkamau/fieldchat/internal/window"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideTracker,
			provideTransport,
			provideManager,
			provideOrchestrator,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		// First run: no config file yet.
		return config.Default(), nil
	}
	return cfg, err
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}

	// Entries stuck in sent mean the previous process died between transmit
	// and ack; resend them (at-least-once, remote dedups by message id).
	requeued, err := db.RequeueSent()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if requeued > 0 {
		logger.Info("requeued in-flight entries from previous run", zap.Int64("count", requeued))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideTracker(db *store.DB, cfg *config.Config, logger *zap.Logger) *window.Tracker {
	return window.NewTracker(db, cfg.Transport.MessagingWindow.Duration, logger)
}

func provideTransport(cfg *config.Config, logger *zap.Logger) transport.Transport {
	return transport.NewWS(cfg.Transport.URL, logger)
}

func provideManager(t transport.Transport, db *store.DB, tracker *window.Tracker,
	machine *status.Machine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(t, db, tracker, machine, b, conn.Config{
		InitialBackoff: cfg.Transport.InitialBackoff.Duration,
		MaxBackoff:     cfg.Transport.MaxBackoff.Duration,
		AckTimeout:     cfg.Transport.AckTimeout.Duration,
	}, logger)
}

func provideOrchestrator(db *store.DB, tracker *window.Tracker, b *bus.Bus, logger *zap.Logger) *intsync.Orchestrator {
	return intsync.New(db, tracker, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, mgr *conn.Manager, orch *intsync.Orchestrator,
	lk *lock.Lock, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Ingestion first so no inbound event published by the manager
			// is missed.
			orch.Start()
			mgr.Start()
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			mgr.Stop()
			orch.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
