package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/adapters/memory"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application/commands"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application/messages"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application/votetypes"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/services"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
)

// flakyLedger fails invite inserts while failures is positive.
type flakyLedger struct {
	*memory.Store
	failures int
	attempts int
}

func (l *flakyLedger) CreateVoteInvite(ctx context.Context, invite entities.VoteInvite) (entities.VoteInvite, bool, error) {
	l.attempts++
	if l.failures > 0 {
		l.failures--
		return entities.VoteInvite{}, false, errors.New("database unavailable")
	}
	return l.Store.CreateVoteInvite(ctx, invite)
}

type recordingBus struct {
	topics   []string
	events   []ports.EventEnvelope
	failOn   int
	handlers map[string]func(context.Context, ports.EventEnvelope) error
}

func (b *recordingBus) Publish(_ context.Context, topic string, event ports.EventEnvelope) error {
	if b.failOn > 0 && len(b.events)+1 == b.failOn {
		b.failOn = 0
		return errors.New("broker down")
	}
	b.topics = append(b.topics, topic)
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) Subscribe(_ context.Context, topic string, _ string, handler func(context.Context, ports.EventEnvelope) error) error {
	if b.handlers == nil {
		b.handlers = make(map[string]func(context.Context, ports.EventEnvelope) error)
	}
	b.handlers[topic] = handler
	return nil
}

func inviteEvent(t *testing.T, eventID string, target string) ports.EventEnvelope {
	t.Helper()
	voteMsg, err := services.EncodeEnvelope(services.VoteEnvelope{
		ApprovedAction:    services.NoopAction(),
		RejectedAction:    services.NoopAction(),
		Type:              string(entities.VoteTypeNodeRoute),
		ApprovedThreshold: 1,
		Initiator:         "alice",
		VoteRequestID:     "v1",
		VoteCounter:       "alice",
		Voters:            []string{"bob"},
		Executors:         []string{"alice", "bob"},
	})
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	event, err := messages.NewEnvelope(eventID, messages.TypeVoteInvited, "alice", target, time.Now().UTC(), messages.Invite{
		VoteID:    "v1",
		Type:      entities.VoteTypeNodeRoute,
		Initiator: "alice",
		Voter:     "bob",
		VoteMsg:   voteMsg,
	})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return event
}

func newConsumer(ledger *flakyLedger) InboxConsumer {
	registry := votetypes.NewDefaultRegistry(votetypes.Base{Ledger: ledger, IDGen: ledger.Store}, nil, nil, nil)
	return InboxConsumer{
		PartyID: "bob",
		Dedup:   ledger.Store,
		Approvals: commands.ApprovalUseCase{
			Votes:    ledger,
			Registry: registry,
			Dispatcher: commands.CallbackDispatcher{
				Registry:   registry,
				Executions: ledger.Store,
			},
			Clock: ledger.Store,
			IDGen: ledger.Store,
		},
		Clock: ledger.Store,
	}
}

func TestInboxTransientFailureReleasesReservation(t *testing.T) {
	ledger := &flakyLedger{Store: memory.NewStore(), failures: 1}
	consumer := newConsumer(ledger)
	event := inviteEvent(t, "evt-1", "bob")

	if err := consumer.Handle(context.Background(), event); err == nil {
		t.Fatalf("expected transient failure to be returned")
	}
	if err := consumer.Handle(context.Background(), event); err != nil {
		t.Fatalf("redelivery should succeed: %v", err)
	}
	if err := consumer.Handle(context.Background(), event); err != nil {
		t.Fatalf("third delivery should be deduplicated: %v", err)
	}
	if ledger.attempts != 2 {
		t.Fatalf("expected two processing attempts, got %d", ledger.attempts)
	}
	invite, err := ledger.GetVoteInvite(context.Background(), "v1", "bob")
	if err != nil || invite.Action != entities.VoteStatusReviewing {
		t.Fatalf("expected reviewing invite, got %+v %v", invite, err)
	}
	if _, err := ledger.GetVoteRequest(context.Background(), "v1"); err != nil {
		t.Fatalf("expected request mirror: %v", err)
	}
}

func TestInboxDropsPermanentAndMisroutedMessages(t *testing.T) {
	ledger := &flakyLedger{Store: memory.NewStore()}
	consumer := newConsumer(ledger)

	if err := consumer.Handle(context.Background(), inviteEvent(t, "evt-1", "carol")); err != nil {
		t.Fatalf("misrouted message must be acknowledged: %v", err)
	}
	if ledger.attempts != 0 {
		t.Fatalf("misrouted message must not be processed")
	}

	unknown := inviteEvent(t, "evt-2", "bob")
	unknown.EventType = "approval.vote.cancelled"
	if err := consumer.Handle(context.Background(), unknown); err != nil {
		t.Fatalf("unknown message type must be dropped: %v", err)
	}

	garbled := inviteEvent(t, "evt-3", "bob")
	garbled.Data = []byte(`{"vote_id":`)
	if err := consumer.Handle(context.Background(), garbled); err != nil {
		t.Fatalf("malformed payload must be dropped: %v", err)
	}

	spoofed := inviteEvent(t, "evt-4", "bob")
	spoofed.EventType = messages.TypeVoteReplied
	spoofed.Data = []byte(`{"vote_id":"v1","voter":"carol","action":"APPROVED"}`)
	spoofed.SourceParty = "mallory"
	if err := consumer.Handle(context.Background(), spoofed); err != nil {
		t.Fatalf("reply from a different source must be dropped: %v", err)
	}
}

func TestInboxStartSubscribesToPartyTopic(t *testing.T) {
	ledger := &flakyLedger{Store: memory.NewStore()}
	bus := &recordingBus{}
	consumer := newConsumer(ledger)
	consumer.Subscriber = bus

	if err := consumer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	handler, ok := bus.handlers[messages.InboxTopic("bob")]
	if !ok {
		t.Fatalf("expected subscription on bob's inbox, got %v", bus.handlers)
	}
	if err := handler(context.Background(), inviteEvent(t, "evt-1", "bob")); err != nil {
		t.Fatalf("subscribed handler: %v", err)
	}

	disabled := newConsumer(ledger)
	disabled.Disabled = true
	if err := disabled.Start(context.Background()); err != nil {
		t.Fatalf("disabled consumer must start as a no-op: %v", err)
	}
}

func TestOutboxRelayStopsOnFailureAndResumes(t *testing.T) {
	store := memory.NewStore()
	for i, target := range []string{"bob", "carol", "dave"} {
		event, err := messages.NewEnvelope(string(rune('a'+i)), messages.TypeVoteDecided, "alice", target, time.Now().UTC(), messages.Decided{VoteID: "v1"})
		if err != nil {
			t.Fatalf("new envelope: %v", err)
		}
		if err := store.AppendOutbox(context.Background(), event); err != nil {
			t.Fatalf("append outbox: %v", err)
		}
	}
	bus := &recordingBus{failOn: 2}
	relay := OutboxRelay{Outbox: store, Publisher: bus, Clock: store, BatchSize: 10}

	published, err := relay.RunOnce(context.Background())
	if err == nil || published != 1 {
		t.Fatalf("expected one publish then failure, got %d %v", published, err)
	}
	if store.PendingOutboxCount() != 2 {
		t.Fatalf("failed rows must stay pending, got %d", store.PendingOutboxCount())
	}

	published, err = relay.Drain(context.Background(), 0)
	if err != nil || published != 2 {
		t.Fatalf("expected remaining rows to drain, got %d %v", published, err)
	}
	want := []string{"approval.inbox.bob", "approval.inbox.carol", "approval.inbox.dave"}
	for i, topic := range want {
		if bus.topics[i] != topic {
			t.Fatalf("expected topics %v in order, got %v", want, bus.topics)
		}
	}
}

func TestIsPermanent(t *testing.T) {
	if isPermanent(errors.New("connection reset")) {
		t.Fatalf("plain errors are transient")
	}
	if !isPermanent(services.Action{Kind: "x"}.Expect(services.ActionKindNoop)) {
		t.Fatalf("action kind mismatch is permanent")
	}
}
