package approvalengine

import (
	"log/slog"
	"time"

	httpadapter "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/adapters/http"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/adapters/memory"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application/commands"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application/queries"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application/votetypes"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application/workers"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
)

type Module struct {
	Handler   httpadapter.Handler
	Approvals commands.ApprovalUseCase
	Queries   queries.ApprovalQueries
	Relay     workers.OutboxRelay
	Inbox     workers.InboxConsumer

	Store     *memory.Store
	Actuators *memory.Actuators
}

type Dependencies struct {
	PartyID     string
	Votes       ports.VoteLedger
	Executions  ports.ExecutionLedger
	Idempotency ports.IdempotencyStore
	Outbox      ports.OutboxRepository
	Dedup       ports.EventDedupStore
	Routes      ports.RouteActuator
	Projects    ports.ProjectActuator
	Releases    ports.ResultReleaseActuator
	Directory   ports.PartyDirectory
	Publisher   ports.EventPublisher
	Subscriber  ports.EventSubscriber
	Clock       ports.Clock
	IDGen       ports.IDGenerator
	Metrics     ports.ApprovalMetrics

	IdempotencyTTL  time.Duration
	DedupTTL        time.Duration
	OutboxBatchSize int
	DisableInbox    bool
	Logger          *slog.Logger
}

func NewModule(deps Dependencies) Module {
	registry := votetypes.NewDefaultRegistry(
		votetypes.Base{
			Ledger:    deps.Votes,
			Directory: deps.Directory,
			IDGen:     deps.IDGen,
			Logger:    deps.Logger,
		},
		deps.Routes,
		deps.Projects,
		deps.Releases,
	)
	approvals := commands.ApprovalUseCase{
		Votes:    deps.Votes,
		Registry: registry,
		Dispatcher: commands.CallbackDispatcher{
			Registry:   registry,
			Executions: deps.Executions,
			Clock:      deps.Clock,
			Metrics:    deps.Metrics,
			Logger:     deps.Logger,
		},
		Idempotency:    deps.Idempotency,
		Clock:          deps.Clock,
		IDGen:          deps.IDGen,
		Metrics:        deps.Metrics,
		IdempotencyTTL: deps.IdempotencyTTL,
		Logger:         deps.Logger,
	}
	approvalQueries := queries.ApprovalQueries{
		Votes:      deps.Votes,
		Executions: deps.Executions,
		Registry:   registry,
	}
	inbox := workers.InboxConsumer{
		PartyID:    deps.PartyID,
		Subscriber: deps.Subscriber,
		Dedup:      deps.Dedup,
		Approvals:  approvals,
		Clock:      deps.Clock,
		DedupTTL:   deps.DedupTTL,
		Disabled:   deps.DisableInbox,
		Logger:     deps.Logger,
	}
	return Module{
		Handler: httpadapter.Handler{
			PartyID:   deps.PartyID,
			Approvals: approvals,
			Queries:   approvalQueries,
			Inbox:     inbox,
			Logger:    deps.Logger,
		},
		Approvals: approvals,
		Queries:   approvalQueries,
		Relay: workers.OutboxRelay{
			Outbox:    deps.Outbox,
			Publisher: deps.Publisher,
			Clock:     deps.Clock,
			BatchSize: deps.OutboxBatchSize,
			Logger:    deps.Logger,
		},
		Inbox: inbox,
	}
}

// NewInMemoryModule builds a node for partyID backed by the memory store.
// publisher and subscriber may be shared between nodes to run several
// organizations in one process.
func NewInMemoryModule(
	partyID string,
	directory ports.PartyDirectory,
	publisher ports.EventPublisher,
	subscriber ports.EventSubscriber,
	logger *slog.Logger,
) Module {
	store := memory.NewStore()
	actuators := memory.NewActuators()
	module := NewModule(Dependencies{
		PartyID:        partyID,
		Votes:          store,
		Executions:     store,
		Idempotency:    store,
		Outbox:         store,
		Dedup:          store,
		Routes:         actuators,
		Projects:       actuators,
		Releases:       actuators,
		Directory:      directory,
		Publisher:      publisher,
		Subscriber:     subscriber,
		Clock:          store,
		IDGen:          store,
		IdempotencyTTL: 24 * time.Hour,
		DedupTTL:       24 * time.Hour,
		Logger:         logger,
	})
	module.Store = store
	module.Actuators = actuators
	return module
}
