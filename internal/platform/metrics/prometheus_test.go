package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
)

func TestPrometheusExposesCounters(t *testing.T) {
	p, err := NewPrometheus("alice")
	if err != nil {
		t.Fatalf("new prometheus: %v", err)
	}
	p.VoteProposed(entities.VoteTypeNodeRoute)
	p.VoteDecided(entities.VoteTypeNodeRoute, entities.VoteStatusApproved)
	p.ExecutionFinished(entities.VoteTypeNodeRoute, entities.ExecuteStatusSuccess)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`approval_votes_proposed_total{party="alice",type="NODE_ROUTE"} 1`,
		`approval_votes_decided_total{party="alice",status="APPROVED",type="NODE_ROUTE"} 1`,
		`approval_executions_finished_total{party="alice",status="SUCCESS",type="NODE_ROUTE"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}
