package ports

import (
	"context"
	"time"

	contractsv1 "github.com/secretflow/secretpad-sub000/contracts/gen/events/v1"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
)

// NewVote is everything written atomically when a vote is proposed: the
// request, one invite per voter, the initiator's execution row and the outbox
// messages that carry the invites to other nodes.
type NewVote struct {
	Request    entities.VoteRequest
	Invites    []entities.VoteInvite
	Executions []entities.VoteExecution
	Outbox     []EventEnvelope
}

type VoteFilter struct {
	Type      entities.VoteType
	Status    entities.VoteStatus
	Initiator string
	Limit     int
}

// VoteLedger persists vote requests and invites. Update* methods are single
// record read-modify-write operations: fn sees the current row, the write is
// aborted when fn returns an error, and the envelopes fn returns are appended
// to the outbox in the same transaction as the row.
type VoteLedger interface {
	CreateVote(ctx context.Context, vote NewVote) error
	GetVoteRequest(ctx context.Context, voteID string) (entities.VoteRequest, error)
	EnsureVoteRequest(ctx context.Context, request entities.VoteRequest) (entities.VoteRequest, bool, error)
	UpdateVoteRequest(
		ctx context.Context,
		voteID string,
		fn func(*entities.VoteRequest) ([]EventEnvelope, error),
	) (entities.VoteRequest, error)
	ListVoteRequests(ctx context.Context, filter VoteFilter) ([]entities.VoteRequest, error)
	// FindVoteBySubject returns the most recent vote of voteType for subjectID.
	// An empty status matches any status.
	FindVoteBySubject(
		ctx context.Context,
		voteType entities.VoteType,
		subjectID string,
		status entities.VoteStatus,
	) (entities.VoteRequest, bool, error)

	CreateVoteInvite(ctx context.Context, invite entities.VoteInvite) (entities.VoteInvite, bool, error)
	GetVoteInvite(ctx context.Context, voteID string, partyID string) (entities.VoteInvite, error)
	UpdateVoteInvite(
		ctx context.Context,
		voteID string,
		partyID string,
		fn func(*entities.VoteInvite) ([]EventEnvelope, error),
	) (entities.VoteInvite, error)
	ListVoteInvites(ctx context.Context, voteID string) ([]entities.VoteInvite, error)
	ListInvitesByParty(ctx context.Context, partyID string, action entities.VoteStatus) ([]entities.VoteInvite, error)
}

// ExecutionLedger stores node-local execution outcomes. UpdateExecution holds
// the row for the whole duration of fn, which serializes apply steps for the
// same (vote, party).
type ExecutionLedger interface {
	EnsureExecution(ctx context.Context, execution entities.VoteExecution) (entities.VoteExecution, error)
	GetExecution(ctx context.Context, voteID string, partyID string) (entities.VoteExecution, bool, error)
	UpdateExecution(
		ctx context.Context,
		voteID string,
		partyID string,
		fn func(*entities.VoteExecution) error,
	) (entities.VoteExecution, error)
}

type RouteActuator interface {
	RouteExists(ctx context.Context, srcPartyID string, dstPartyID string) (bool, error)
	CreateRoute(ctx context.Context, route entities.RouteAction) error
}

type ProjectActuator interface {
	GetProject(ctx context.Context, projectID string) (entities.Project, bool, error)
	SaveProject(ctx context.Context, project entities.Project) error
	// MarkArchived reports false when the project was already archived.
	MarkArchived(ctx context.Context, projectID string) (bool, error)
	DeleteMemberships(ctx context.Context, projectID string, parties []string) (int, error)
}

type ResultReleaseActuator interface {
	PullResultFromSecureNode(ctx context.Context, release entities.TeeDownloadAction) error
}

type PartyDirectory interface {
	PartyName(ctx context.Context, partyID string) (string, bool, error)
}

// ApprovalMetrics receives lifecycle counters. Implementations must be safe
// for concurrent use.
type ApprovalMetrics interface {
	VoteProposed(voteType entities.VoteType)
	ReplyRecorded(voteType entities.VoteType, action entities.VoteStatus)
	VoteDecided(voteType entities.VoteType, status entities.VoteStatus)
	ExecutionFinished(voteType entities.VoteType, status entities.ExecuteStatus)
}

type IdempotencyRecord struct {
	Key         string
	RequestHash string
	VoteID      string
	ExpiresAt   time.Time
}

type IdempotencyStore interface {
	Get(ctx context.Context, key string, now time.Time) (IdempotencyRecord, bool, error)
	Put(ctx context.Context, record IdempotencyRecord) error
}

type Clock interface {
	Now() time.Time
}

type IDGenerator interface {
	NewID(ctx context.Context) (string, error)
}

// OutboxMessage is a row ready to relay from the module outbox.
type OutboxMessage struct {
	OutboxID     string
	EventType    string
	PartitionKey string
	Payload      []byte
	CreatedAt    time.Time
}

type OutboxWriter interface {
	AppendOutbox(ctx context.Context, envelope EventEnvelope) error
}

// OutboxRepository models worker-side outbox polling/acknowledgement.
type OutboxRepository interface {
	ListPendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, outboxID string, publishedAt time.Time) error
}

// EventDedupStore provides idempotent processing guarantees for consumed events.
// ReleaseEvent drops a reservation whose handler failed so the redelivered
// event is processed again.
type EventDedupStore interface {
	ReserveEvent(ctx context.Context, eventID string, payloadHash string, expiresAt time.Time) (bool, error)
	ReleaseEvent(ctx context.Context, eventID string) error
}

// EventEnvelope reuses the canonical cross-runtime envelope contract.
type EventEnvelope = contractsv1.Envelope

// EventPublisher publishes canonical envelopes to a topic.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event EventEnvelope) error
}

// EventSubscriber registers a topic consumer callback.
type EventSubscriber interface {
	Subscribe(
		ctx context.Context,
		topic string,
		consumerGroup string,
		handler func(context.Context, EventEnvelope) error,
	) error
}
