// Package app assembles the pipeline roles from configuration.
//
// One binary runs any subset of the intake, worker and projector roles.
// With the in-memory bus all three must share a process; with Kafka and
// a shared store (postgres) they can be scaled independently.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/fileflow/internal/blob"
	"github.com/JonMunkholm/fileflow/internal/bus"
	"github.com/JonMunkholm/fileflow/internal/config"
	"github.com/JonMunkholm/fileflow/internal/intake"
	"github.com/JonMunkholm/fileflow/internal/logging"
	"github.com/JonMunkholm/fileflow/internal/projector"
	"github.com/JonMunkholm/fileflow/internal/status"
	"github.com/JonMunkholm/fileflow/internal/web"
	"github.com/JonMunkholm/fileflow/internal/worker"
)

// Role names accepted in APP_ROLES.
const (
	RoleIntake    = "intake"
	RoleWorker    = "worker"
	RoleProjector = "projector"
)

// App owns every long-lived component of one process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store   status.Store
	blobs   *blob.FileStore
	bus     bus.Bus
	applier *status.Applier

	intake    *intake.Service
	sweeper   *intake.Sweeper
	pool      *worker.Pool
	projector *projector.Projector
	server    *web.Server
}

// New opens the store, blob directory and bus and builds the enabled roles.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	store, err := openStore(ctx, cfg, logging.Component(logger, "store"))
	if err != nil {
		return nil, err
	}
	a.store = store

	if a.blobs, err = blob.New(cfg.Storage.DataDir); err != nil {
		a.Close()
		return nil, fmt.Errorf("open blob storage: %w", err)
	}
	if a.bus, err = bus.New(cfg.Bus, logging.Component(logger, "bus")); err != nil {
		a.Close()
		return nil, fmt.Errorf("open bus: %w", err)
	}

	a.applier = status.NewApplier(store, logging.Component(logger, "applier"),
		status.WithConflictRetries(cfg.Projector.ConflictRetries),
		status.WithOpTimeout(cfg.Store.OpTimeout),
	)

	var in web.Intake
	if cfg.App.HasRole(RoleIntake) {
		a.intake = intake.NewService(store, a.blobs, a.bus, a.applier, cfg.Upload, cfg.Bus.SubmissionTopic, logging.Component(logger, "intake"))
		a.sweeper = intake.NewSweeper(store, a.bus, a.applier, cfg.Bus.SubmissionTopic, cfg.Sweeper, logging.Component(logger, "sweeper"))
		in = a.intake
	}

	if cfg.App.HasRole(RoleWorker) {
		policy, err := worker.ParsePolicy(cfg.Worker.ValidationPolicy)
		if err != nil {
			a.Close()
			return nil, err
		}
		wlog := logging.Component(logger, "worker")
		proc := worker.NewProcessor(a.blobs, policy, cfg.Worker.MaxRowErrors, wlog)
		a.pool = worker.NewPool(a.bus, a.bus, proc, cfg.Worker,
			cfg.Bus.SubmissionTopic, cfg.Bus.OutcomeTopic, instanceID(cfg), wlog)
	}

	if cfg.App.HasRole(RoleProjector) {
		a.projector = projector.New(a.bus, a.applier, cfg.Projector, cfg.Bus.OutcomeTopic, logging.Component(logger, "projector"))
	}

	checks := map[string]web.HealthCheck{}
	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		checks["store"] = p.Ping
	}
	a.server = web.NewServer(cfg, in, store, checks, logging.Component(logger, "http"))

	logger.Info("pipeline assembled",
		"roles", strings.Join(cfg.App.Roles, ","),
		"store", cfg.Store.Backend,
		"bus", cfg.Bus.Backend,
		"instance", instanceID(cfg),
	)
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (status.Store, error) {
	switch strings.ToLower(cfg.Store.Backend) {
	case "memory":
		return status.NewMemoryStore(), nil
	case "bolt":
		if err := os.MkdirAll(filepath.Dir(cfg.Store.BoltPath), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		return status.OpenBoltStore(cfg.Store.BoltPath)
	case "postgres":
		return status.OpenPostgresStore(ctx, cfg.Database, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func instanceID(cfg *config.Config) string {
	if cfg.App.InstanceID != "" {
		return cfg.App.InstanceID
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "fileflow"
}

// Handler exposes the HTTP routes without starting a listener.
func (a *App) Handler() http.Handler {
	return a.server.Router()
}

// Store returns the status store.
func (a *App) Store() status.Store {
	return a.store
}

// Run starts every enabled role and the HTTP server and blocks until ctx
// is done or a role fails. Shutdown stops the listener first, then waits
// for in-flight files up to Server.ShutdownTimeout.
func (a *App) Run(ctx context.Context, addr string) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.pool != nil {
		g.Go(func() error { return a.pool.Run(gctx) })
	}
	if a.projector != nil {
		g.Go(func() error { return a.projector.Run(gctx) })
	}
	if a.sweeper != nil && a.cfg.Sweeper.Enabled {
		g.Go(func() error {
			a.sweeper.Start(gctx)
			return nil
		})
	}
	if addr != "" {
		g.Go(func() error {
			if err := a.server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}
		if a.pool != nil {
			if st := a.pool.Status(); st.Active > 0 {
				a.logger.Info("waiting for in-flight files", "active", st.Active)
			}
			if err := a.pool.Drain(shutdownCtx); err != nil {
				a.logger.Warn("in-flight files did not finish in time", "error", err)
			}
		}
		return nil
	})

	return g.Wait()
}

// Close releases the bus and the store.
func (a *App) Close() error {
	var errs []error
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
