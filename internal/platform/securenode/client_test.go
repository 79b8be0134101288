package securenode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
)

func TestPullPostsReleaseRequest(t *testing.T) {
	var got pullRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/results/pull" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	err := client.Pull(context.Background(), entities.TeeDownloadAction{
		ProjectID:  "p1",
		ResourceID: "r1",
		TeeNodeID:  "tee",
		Requester:  "alice",
	})
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if got.ProjectID != "p1" || got.ResourceID != "r1" || got.Requester != "alice" {
		t.Fatalf("unexpected request body: %+v", got)
	}
}

func TestPullReportsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "result not ready", http.StatusConflict)
	}))
	defer server.Close()

	err := NewClient(server.URL, nil).Pull(context.Background(), entities.TeeDownloadAction{ResourceID: "r1"})
	if err == nil {
		t.Fatalf("expected error for non-2xx response")
	}
}
