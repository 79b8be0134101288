package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestProposeSendsTypeParamsAndKey(t *testing.T) {
	var (
		gotBody map[string]json.RawMessage
		gotKey  string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/votes" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"vote_id":"v1","status":"REVIEWING"}`))
	}))
	defer server.Close()

	var out bytes.Buffer
	err := newApp(&out).Run([]string{
		"approvalctl", "--addr", server.URL,
		"propose", "--idempotency-key", "k1", "NODE_ROUTE", `{"dstPartyId":"bob"}`,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if gotKey != "k1" {
		t.Fatalf("expected idempotency key header, got %q", gotKey)
	}
	if string(gotBody["type"]) != `"NODE_ROUTE"` || string(gotBody["params"]) != `{"dstPartyId":"bob"}` {
		t.Fatalf("unexpected body: %s / %s", gotBody["type"], gotBody["params"])
	}
	if !strings.Contains(out.String(), `"vote_id": "v1"`) {
		t.Fatalf("expected pretty printed response, got %s", out.String())
	}
}

func TestServerErrorBecomesCommandError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"conflict","message":"vote invite is already terminal"}`))
	}))
	defer server.Close()

	err := newApp(&bytes.Buffer{}).Run([]string{
		"approvalctl", "--addr", server.URL, "reply", "--action", "approved", "v1",
	})
	if err == nil || !strings.Contains(err.Error(), "already terminal") {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestStatusRequiresVoteID(t *testing.T) {
	err := newApp(&bytes.Buffer{}).Run([]string{"approvalctl", "status"})
	if err == nil {
		t.Fatalf("expected missing argument error")
	}
}
