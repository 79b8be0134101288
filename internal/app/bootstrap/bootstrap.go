package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	approvalengine "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine"
	boltadapter "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/adapters/bbolt"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/adapters/memory"
	postgresadapter "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/adapters/postgres"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
	"github.com/secretflow/secretpad-sub000/internal/platform/config"
	"github.com/secretflow/secretpad-sub000/internal/platform/db"
	"github.com/secretflow/secretpad-sub000/internal/platform/directory"
	"github.com/secretflow/secretpad-sub000/internal/platform/httpserver"
	"github.com/secretflow/secretpad-sub000/internal/platform/messaging"
	"github.com/secretflow/secretpad-sub000/internal/platform/metrics"
	"github.com/secretflow/secretpad-sub000/internal/platform/securenode"

	"golang.org/x/sync/errgroup"
)

// Package bootstrap is the composition root.
// Keep construction/wiring here so module code stays framework-agnostic.

type APIApp struct {
	server *httpserver.Server
	// worker is set for embedded backends, which cannot be shared with a
	// separate worker process.
	worker *WorkerApp
	node   *node
	logger *slog.Logger
}

type WorkerApp struct {
	module       approvalengine.Module
	partyID      string
	pollInterval time.Duration
	node         *node
	logger       *slog.Logger
}

// node is one party's module plus the resources it owns.
type node struct {
	cfg     config.Config
	module  approvalengine.Module
	metrics *metrics.Prometheus
	closers []func() error
}

func BuildAPI() (*APIApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := slog.Default().With("service", cfg.ServiceName, "process", "api", "party", cfg.PartyID)

	n, err := buildNode(cfg, logger)
	if err != nil {
		return nil, err
	}
	app := &APIApp{
		server: httpserver.New(n.module, n.metrics.Handler(), logger, normalizeAddr(cfg.HTTPPort)),
		node:   n,
		logger: logger,
	}
	if cfg.StorageBackend != config.StoragePostgres {
		app.worker = newWorker(n, logger)
	}
	return app, nil
}

func BuildWorker() (*WorkerApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.StorageBackend != config.StoragePostgres {
		return nil, errors.New("worker process requires STORAGE_BACKEND=postgres; embedded backends run the relay inside the api process")
	}
	logger := slog.Default().With("service", cfg.ServiceName, "process", "worker", "party", cfg.PartyID)

	n, err := buildNode(cfg, logger)
	if err != nil {
		return nil, err
	}
	return newWorker(n, logger), nil
}

func newWorker(n *node, logger *slog.Logger) *WorkerApp {
	return &WorkerApp{
		module:       n.module,
		partyID:      n.cfg.PartyID,
		pollInterval: n.cfg.PollInterval,
		node:         n,
		logger:       logger,
	}
}

func buildNode(cfg config.Config, logger *slog.Logger) (*node, error) {
	logger.Info("approval node configuration",
		"event", "bootstrap_config_loaded",
		"module", "internal/app/bootstrap",
		"layer", "platform",
		"config", cfg.DebugString(),
	)
	var (
		partyDirectory ports.PartyDirectory
		endpoints      *directory.Directory
		err            error
	)
	if strings.TrimSpace(cfg.PartyDirectoryFile) != "" {
		endpoints, err = directory.Load(cfg.PartyDirectoryFile)
		if err != nil {
			return nil, err
		}
		partyDirectory = endpoints
	}

	prom, err := metrics.NewPrometheus(cfg.PartyID)
	if err != nil {
		return nil, err
	}

	bus, err := messaging.NewKafka(cfg.KafkaBrokers, logger)
	if err != nil {
		return nil, err
	}
	var publisher ports.EventPublisher = bus
	if cfg.EnableHTTPPeers {
		if endpoints == nil {
			return nil, errors.New("ENABLE_HTTP_PEERS requires PARTY_DIRECTORY_FILE")
		}
		publisher = messaging.NewHTTPPeers(cfg.PartyID, endpoints, bus, logger)
	}

	deps := approvalengine.Dependencies{
		PartyID:         cfg.PartyID,
		Directory:       partyDirectory,
		Publisher:       publisher,
		Subscriber:      bus,
		Metrics:         prom,
		IdempotencyTTL:  7 * 24 * time.Hour,
		DedupTTL:        7 * 24 * time.Hour,
		OutboxBatchSize: cfg.OutboxBatchSize,
		DisableInbox:    !cfg.EnableInboxConsumer,
		Logger:          logger,
	}
	n := &node{cfg: cfg, metrics: prom}
	if err := n.attachStorage(&deps, logger); err != nil {
		_ = n.close()
		return nil, err
	}
	n.module = approvalengine.NewModule(deps)
	return n, nil
}

func (n *node) attachStorage(deps *approvalengine.Dependencies, logger *slog.Logger) error {
	puller := resultPuller(n.cfg, logger)
	switch n.cfg.StorageBackend {
	case config.StorageMemory:
		store := memory.NewStore()
		actuators := memory.NewActuators()
		deps.Votes, deps.Executions, deps.Idempotency = store, store, store
		deps.Outbox, deps.Dedup = store, store
		deps.Routes, deps.Projects, deps.Releases = actuators, actuators, actuators
		deps.Clock, deps.IDGen = store, store
	case config.StorageBolt:
		store, err := boltadapter.Open(n.cfg.BoltPath)
		if err != nil {
			return err
		}
		n.closers = append(n.closers, store.Close)
		actuators := boltadapter.NewActuators(store, puller)
		deps.Votes, deps.Executions, deps.Idempotency = store, store, store
		deps.Outbox, deps.Dedup = store, store
		deps.Routes, deps.Projects, deps.Releases = actuators, actuators, actuators
		deps.Clock, deps.IDGen = postgresadapter.SystemClock{}, postgresadapter.UUIDGenerator{}
	default:
		if strings.TrimSpace(n.cfg.PostgresDSN) == "" {
			return errors.New("POSTGRES_DSN is required")
		}
		pg, err := db.Connect(n.cfg.PostgresDSN, db.Options{Logger: logger})
		if err != nil {
			return err
		}
		n.closers = append(n.closers, pg.Close)
		if err := pg.AutoMigrate(postgresadapter.Models()...); err != nil {
			return err
		}
		repo := postgresadapter.NewRepository(pg.DB, logger)
		actuators := postgresadapter.NewActuators(pg.DB, puller, logger)
		deps.Votes, deps.Executions, deps.Idempotency = repo, repo, repo
		deps.Outbox, deps.Dedup = repo, repo
		deps.Routes, deps.Projects, deps.Releases = actuators, actuators, actuators
		deps.Clock, deps.IDGen = postgresadapter.SystemClock{}, postgresadapter.UUIDGenerator{}
	}
	return nil
}

// resultPuller stays a nil interface when no secure node is configured so the
// actuators record releases without a remote call.
func resultPuller(cfg config.Config, logger *slog.Logger) postgresadapter.ResultPuller {
	if strings.TrimSpace(cfg.SecureNodeURL) == "" {
		return nil
	}
	return securenode.NewClient(cfg.SecureNodeURL, logger)
}

func (n *node) close() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}

func (a *APIApp) Run(ctx context.Context) error {
	a.logger.Info("api app started",
		"event", "bootstrap_api_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
		"embedded_worker", a.worker != nil,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(a.server.Start)
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	if a.worker != nil {
		group.Go(func() error { return a.worker.Run(groupCtx) })
	}
	return group.Wait()
}

func (a *APIApp) Close() error {
	return a.node.close()
}

// Run resumes executions interrupted by a previous stop, starts the inbox
// consumer and then relays the outbox until ctx ends.
func (w *WorkerApp) Run(ctx context.Context) error {
	resumed, err := w.module.Approvals.ResumePending(ctx, w.partyID)
	if err != nil {
		return err
	}
	if err := w.module.Inbox.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info("worker app started",
		"event", "bootstrap_worker_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
		"poll_interval", w.pollInterval.String(),
		"resumed_executions", resumed,
	)

	for {
		if _, err := w.module.Relay.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A failed publish leaves the row pending for the next tick.
			w.logger.Warn("outbox relay cycle failed",
				"event", "bootstrap_worker_relay_failed",
				"module", "internal/app/bootstrap",
				"layer", "platform",
				"error", err.Error(),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *WorkerApp) Close() error {
	return w.node.close()
}

func normalizeAddr(port string) string {
	value := strings.TrimSpace(port)
	if value == "" {
		return ":8080"
	}
	if strings.HasPrefix(value, ":") {
		return value
	}
	return ":" + value
}
