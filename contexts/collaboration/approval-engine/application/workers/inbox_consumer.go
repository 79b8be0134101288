package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	application "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application/commands"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application/messages"
	domainerrors "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/errors"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
)

const defaultInboxCG = "approval-engine-inbox-cg"

// InboxConsumer receives the invites, replies and decisions addressed to
// PartyID and hands them to the approval use case.
type InboxConsumer struct {
	PartyID       string
	Subscriber    ports.EventSubscriber
	Dedup         ports.EventDedupStore
	Approvals     commands.ApprovalUseCase
	Clock         ports.Clock
	ConsumerGroup string
	DedupTTL      time.Duration
	Disabled      bool
	Logger        *slog.Logger
}

func (c InboxConsumer) Start(ctx context.Context) error {
	logger := application.ResolveLogger(c.Logger)
	if c.Disabled {
		logger.Info("approval inbox consumer disabled by feature flag",
			"event", "approval_inbox_consumer_disabled",
			"module", moduleName,
			"layer", "worker",
		)
		return nil
	}
	partyID := strings.TrimSpace(c.PartyID)
	if partyID == "" {
		return domainerrors.ErrInvalidInput
	}
	group := strings.TrimSpace(c.ConsumerGroup)
	if group == "" {
		group = defaultInboxCG
	}
	topic := messages.InboxTopic(partyID)
	if err := c.Subscriber.Subscribe(ctx, topic, group, c.Handle); err != nil {
		logger.Error("approval inbox consumer subscribe failed",
			"event", "approval_inbox_consumer_subscribe_failed",
			"module", moduleName,
			"layer", "worker",
			"topic", topic,
			"consumer_group", group,
			"error", err.Error(),
		)
		return err
	}
	logger.Info("approval inbox consumer subscription active",
		"event", "approval_inbox_consumer_started",
		"module", moduleName,
		"layer", "worker",
		"topic", topic,
		"consumer_group", group,
	)
	return nil
}

// Handle processes one envelope. It is also the entry point of the HTTP
// inbox, so both transports share dedup and error classification.
func (c InboxConsumer) Handle(ctx context.Context, event ports.EventEnvelope) error {
	logger := application.ResolveLogger(c.Logger)
	partyID := strings.TrimSpace(c.PartyID)
	if target := strings.TrimSpace(event.PartitionKey); target != "" && target != partyID {
		logger.Warn("approval inbox message addressed to another party",
			"event", "approval_inbox_misrouted",
			"module", moduleName,
			"layer", "worker",
			"event_id", event.EventID,
			"target_party", target,
			"party_id", partyID,
		)
		return nil
	}

	alreadyProcessed, err := c.Dedup.ReserveEvent(ctx, event.EventID, hashPayload(event.Data), c.now().Add(c.dedupTTL()))
	if err != nil {
		logger.Error("approval inbox dedupe failed",
			"event", "approval_inbox_dedupe_failed",
			"module", moduleName,
			"layer", "worker",
			"event_id", event.EventID,
			"event_type", event.EventType,
			"error", err.Error(),
		)
		return err
	}
	if alreadyProcessed {
		logger.Debug("approval inbox replay skipped",
			"event", "approval_inbox_replayed",
			"module", moduleName,
			"layer", "worker",
			"event_id", event.EventID,
			"event_type", event.EventType,
		)
		return nil
	}

	err = c.dispatch(ctx, event)
	if err == nil {
		logger.Info("approval inbox message consumed",
			"event", "approval_inbox_consumed",
			"module", moduleName,
			"layer", "worker",
			"event_id", event.EventID,
			"event_type", event.EventType,
			"source_party", event.SourceParty,
		)
		return nil
	}
	if isPermanent(err) {
		logger.Warn("approval inbox message dropped",
			"event", "approval_inbox_dropped",
			"module", moduleName,
			"layer", "worker",
			"event_id", event.EventID,
			"event_type", event.EventType,
			"source_party", event.SourceParty,
			"error", err.Error(),
		)
		return nil
	}
	logger.Error("approval inbox message failed",
		"event", "approval_inbox_failed",
		"module", moduleName,
		"layer", "worker",
		"event_id", event.EventID,
		"event_type", event.EventType,
		"error", err.Error(),
	)
	if releaseErr := c.Dedup.ReleaseEvent(ctx, event.EventID); releaseErr != nil {
		logger.Error("approval inbox dedupe release failed",
			"event", "approval_inbox_release_failed",
			"module", moduleName,
			"layer", "worker",
			"event_id", event.EventID,
			"error", releaseErr.Error(),
		)
	}
	return err
}

func (c InboxConsumer) dispatch(ctx context.Context, event ports.EventEnvelope) error {
	partyID := strings.TrimSpace(c.PartyID)
	switch event.EventType {
	case messages.TypeVoteInvited:
		var payload messages.Invite
		if err := decodeData(event, &payload); err != nil {
			return err
		}
		return c.Approvals.ReceiveInvite(ctx, partyID, payload)
	case messages.TypeVoteReplied:
		var payload messages.Reply
		if err := decodeData(event, &payload); err != nil {
			return err
		}
		if source := strings.TrimSpace(event.SourceParty); source != "" && source != payload.Voter {
			return domainerrors.ErrNotVoter
		}
		_, err := c.Approvals.RecordReply(ctx, partyID, payload)
		return err
	case messages.TypeVoteDecided:
		var payload messages.Decided
		if err := decodeData(event, &payload); err != nil {
			return err
		}
		_, err := c.Approvals.OnTerminalNotification(ctx, partyID, event.SourceParty, payload)
		return err
	default:
		return fmt.Errorf("%w: %s", domainerrors.ErrUnknownMessageType, event.EventType)
	}
}

func decodeData(event ports.EventEnvelope, target any) error {
	if err := json.Unmarshal(event.Data, target); err != nil {
		return fmt.Errorf("%w: %v", domainerrors.ErrMalformedEnvelope, err)
	}
	return nil
}

func (c InboxConsumer) now() time.Time {
	now := time.Now().UTC()
	if c.Clock != nil {
		now = c.Clock.Now().UTC()
	}
	return now
}

func (c InboxConsumer) dedupTTL() time.Duration {
	if c.DedupTTL <= 0 {
		return 7 * 24 * time.Hour
	}
	return c.DedupTTL
}
