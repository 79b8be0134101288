package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
)

type staticEndpoints map[string]string

func (s staticEndpoints) Endpoint(partyID string) (string, bool) {
	endpoint, ok := s[partyID]
	return endpoint, ok
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []ports.EventEnvelope
}

func (r *recordingPublisher) Publish(_ context.Context, _ string, event ports.EventEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func TestHTTPPeersPostsToTargetInbox(t *testing.T) {
	var (
		received  ports.EventEnvelope
		requestID string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != inboxPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		requestID = r.Header.Get("X-Request-Id")
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	peers := NewHTTPPeers("alice", staticEndpoints{"bob": server.URL}, nil, nil)
	err := peers.Publish(context.Background(), "approval.inbox.bob", ports.EventEnvelope{
		EventID:      "evt-1",
		EventType:    "approval.vote.invited",
		PartitionKey: "bob",
		Data:         json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if received.EventID != "evt-1" {
		t.Fatalf("unexpected event received: %+v", received)
	}
	if requestID == "" || requestID != received.TraceID {
		t.Fatalf("expected generated trace id in header and body, got %q / %q", requestID, received.TraceID)
	}
}

func TestHTTPPeersRoutesLocalPartyToBus(t *testing.T) {
	local := &recordingPublisher{}
	peers := NewHTTPPeers("alice", staticEndpoints{}, local, nil)
	if err := peers.Publish(context.Background(), "approval.inbox.alice", ports.EventEnvelope{
		EventID:      "evt-2",
		PartitionKey: "alice",
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(local.events) != 1 {
		t.Fatalf("expected local delivery, got %d", len(local.events))
	}
}

func TestHTTPPeersUnknownParty(t *testing.T) {
	peers := NewHTTPPeers("alice", staticEndpoints{}, nil, nil)
	err := peers.Publish(context.Background(), "approval.inbox.carol", ports.EventEnvelope{PartitionKey: "carol"})
	if err == nil {
		t.Fatalf("expected unknown endpoint error")
	}
}
