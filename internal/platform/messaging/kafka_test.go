package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
)

func TestKafkaDeliversToPartyInbox(t *testing.T) {
	bus, err := NewKafka([]string{"broker-1:9092"}, nil)
	if err != nil {
		t.Fatalf("new kafka: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	if err := bus.Subscribe(ctx, "approval.inbox.bob", "approval-inbox", func(_ context.Context, event ports.EventEnvelope) error {
		got = append(got, event.EventID)
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "approval.inbox.bob", ports.EventEnvelope{EventID: "evt-3"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 1 || got[0] != "evt-3" {
		t.Fatalf("expected evt-3 delivered before publish returned, got %v", got)
	}
	if err := bus.Publish(ctx, "approval.inbox.carol", ports.EventEnvelope{EventID: "evt-4"}); err != nil {
		t.Fatalf("publish to an unconsumed inbox must not fail: %v", err)
	}
}

func TestKafkaReturnsConsumerError(t *testing.T) {
	bus, _ := NewKafka(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	busy := errors.New("ledger busy")
	if err := bus.Subscribe(ctx, "approval.inbox.alice", "approval-inbox", func(context.Context, ports.EventEnvelope) error {
		return busy
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "approval.inbox.alice", ports.EventEnvelope{EventID: "evt-5"}); !errors.Is(err, busy) {
		t.Fatalf("expected consumer error, got %v", err)
	}
}

func TestKafkaInboxTopicRules(t *testing.T) {
	bus, _ := NewKafka(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	noop := func(context.Context, ports.EventEnvelope) error { return nil }

	if err := bus.Subscribe(ctx, "campaign.events", "cg", noop); !errors.Is(err, ErrNotInboxTopic) {
		t.Fatalf("expected not inbox topic on subscribe, got %v", err)
	}
	if err := bus.Publish(ctx, "campaign.events", ports.EventEnvelope{}); !errors.Is(err, ErrNotInboxTopic) {
		t.Fatalf("expected not inbox topic on publish, got %v", err)
	}
	if err := bus.Subscribe(ctx, "approval.inbox.bob", "first", noop); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Subscribe(ctx, "approval.inbox.bob", "second", noop); !errors.Is(err, ErrInboxTaken) {
		t.Fatalf("expected inbox taken, got %v", err)
	}
}

func TestKafkaReleasesInboxOnCancel(t *testing.T) {
	bus, _ := NewKafka(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	noop := func(context.Context, ports.EventEnvelope) error { return nil }
	if err := bus.Subscribe(ctx, "approval.inbox.bob", "first", noop); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := bus.Subscribe(context.Background(), "approval.inbox.bob", "second", noop)
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("inbox not released after cancel: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
