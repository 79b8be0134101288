package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application/messages"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
)

var (
	ErrNotInboxTopic = errors.New("topic is not a party inbox")
	ErrInboxTaken    = errors.New("party inbox already has a consumer")
)

// Kafka is the in-process stand-in for the broker. Every topic is a party
// inbox (approval.inbox.<party>) with a single consumer group, and Publish
// hands the envelope to that consumer before returning, so a failed handler
// leaves the outbox row pending for the next relay cycle. Cross-process
// delivery goes through HTTPPeers.
type Kafka struct {
	mu      sync.RWMutex
	inboxes map[string]*partyInbox
	logger  *slog.Logger
}

// partyInbox serializes delivery to one party, the way a single-partition
// consumer group would.
type partyInbox struct {
	mu      sync.Mutex
	group   string
	handler func(context.Context, ports.EventEnvelope) error
}

func NewKafka(brokers []string, logger *slog.Logger) (*Kafka, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(brokers) > 0 {
		logger.Info("broker addresses configured, party inboxes stay in process",
			"event", "kafka_brokers_ignored",
			"module", "internal/platform/messaging",
			"layer", "platform",
			"brokers", brokers,
		)
	}
	return &Kafka{
		inboxes: make(map[string]*partyInbox),
		logger:  logger,
	}, nil
}

// Publish returns the consumer's error. An inbox nobody consumes in this
// process drops the envelope with a warning; that party lives elsewhere.
func (k *Kafka) Publish(ctx context.Context, topic string, event ports.EventEnvelope) error {
	party, ok := messages.PartyFromTopic(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInboxTopic, topic)
	}
	k.mu.RLock()
	inbox := k.inboxes[party]
	k.mu.RUnlock()

	if inbox == nil {
		k.logger.Warn("event published to an inbox without consumer",
			"event", "kafka_publish_unrouted",
			"module", "internal/platform/messaging",
			"layer", "platform",
			"topic", topic,
			"party_id", party,
			"event_id", event.EventID,
		)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	inbox.mu.Lock()
	err := inbox.handler(ctx, event)
	inbox.mu.Unlock()
	if err != nil {
		k.logger.Error("inbox consumer rejected event",
			"event", "kafka_consume_failed",
			"module", "internal/platform/messaging",
			"layer", "platform",
			"topic", topic,
			"consumer_group", inbox.group,
			"event_id", event.EventID,
			"event_type", event.EventType,
			"error", err.Error(),
		)
		return err
	}

	k.logger.Info("event delivered",
		"event", "kafka_publish",
		"module", "internal/platform/messaging",
		"layer", "platform",
		"topic", topic,
		"consumer_group", inbox.group,
		"event_id", event.EventID,
		"event_type", event.EventType,
	)
	return nil
}

// Subscribe registers the consumer of a party inbox until ctx is done.
func (k *Kafka) Subscribe(
	ctx context.Context,
	topic string,
	consumerGroup string,
	handler func(context.Context, ports.EventEnvelope) error,
) error {
	party, ok := messages.PartyFromTopic(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInboxTopic, topic)
	}
	inbox := &partyInbox{group: consumerGroup, handler: handler}

	k.mu.Lock()
	if current, taken := k.inboxes[party]; taken {
		k.mu.Unlock()
		return fmt.Errorf("%w: %s held by %s", ErrInboxTaken, party, current.group)
	}
	k.inboxes[party] = inbox
	k.mu.Unlock()

	go func() {
		<-ctx.Done()
		k.release(party, inbox)
	}()
	return nil
}

func (k *Kafka) release(party string, inbox *partyInbox) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.inboxes[party] == inbox {
		delete(k.inboxes, party)
	}
}
