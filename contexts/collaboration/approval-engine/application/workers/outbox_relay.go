package workers

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	application "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application/messages"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
)

const moduleName = "collaboration/approval-engine"

// OutboxRelay publishes persisted outbox records to the inbox topic of the
// party each record is addressed to.
type OutboxRelay struct {
	Outbox    ports.OutboxRepository
	Publisher ports.EventPublisher
	Clock     ports.Clock
	BatchSize int
	Logger    *slog.Logger
}

// RunOnce publishes a bounded batch of pending outbox rows and marks each row
// published only after publish succeeds. It stops on the first failure so the
// next cycle retries the remaining rows in order.
func (r OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	logger := application.ResolveLogger(r.Logger)
	limit := r.BatchSize
	if limit <= 0 {
		limit = 100
	}

	pending, err := r.Outbox.ListPendingOutbox(ctx, limit)
	if err != nil {
		logger.Error("approval outbox list failed",
			"event", "approval_outbox_list_failed",
			"module", moduleName,
			"layer", "worker",
			"error", err.Error(),
		)
		return 0, err
	}
	if len(pending) == 0 {
		logger.Debug("approval outbox relay found no pending rows",
			"event", "approval_outbox_relay_noop",
			"module", moduleName,
			"layer", "worker",
			"batch_size", limit,
		)
		return 0, nil
	}

	now := time.Now().UTC()
	if r.Clock != nil {
		now = r.Clock.Now().UTC()
	}

	published := 0
	for _, row := range pending {
		var event ports.EventEnvelope
		if err := json.Unmarshal(row.Payload, &event); err != nil {
			logger.Error("approval outbox decode failed",
				"event", "approval_outbox_decode_failed",
				"module", moduleName,
				"layer", "worker",
				"outbox_id", row.OutboxID,
				"error", err.Error(),
			)
			return published, err
		}
		target := event.PartitionKey
		if target == "" {
			target = row.PartitionKey
		}
		topic := messages.InboxTopic(target)
		if err := r.Publisher.Publish(ctx, topic, event); err != nil {
			logger.Error("approval outbox publish failed",
				"event", "approval_outbox_publish_failed",
				"module", moduleName,
				"layer", "worker",
				"outbox_id", row.OutboxID,
				"event_id", event.EventID,
				"event_type", event.EventType,
				"topic", topic,
				"error", err.Error(),
			)
			return published, err
		}
		if err := r.Outbox.MarkOutboxPublished(ctx, row.OutboxID, now); err != nil {
			logger.Error("approval outbox mark published failed",
				"event", "approval_outbox_mark_published_failed",
				"module", moduleName,
				"layer", "worker",
				"outbox_id", row.OutboxID,
				"error", err.Error(),
			)
			return published, err
		}
		published++
	}

	logger.Info("approval outbox relay cycle completed",
		"event", "approval_outbox_relay_completed",
		"module", moduleName,
		"layer", "worker",
		"published_count", published,
	)
	return published, nil
}

// Drain runs cycles until the outbox is empty or maxCycles is reached.
func (r OutboxRelay) Drain(ctx context.Context, maxCycles int) (int, error) {
	total := 0
	for i := 0; maxCycles <= 0 || i < maxCycles; i++ {
		published, err := r.RunOnce(ctx)
		total += published
		if err != nil || published == 0 {
			return total, err
		}
	}
	return total, nil
}
