// Package metrics exports approval lifecycle counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus implements ports.ApprovalMetrics on a private registry so
// several nodes can live in one test process.
type Prometheus struct {
	registry   *prometheus.Registry
	proposed   *prometheus.CounterVec
	replies    *prometheus.CounterVec
	decided    *prometheus.CounterVec
	executions *prometheus.CounterVec
}

func NewPrometheus(partyID string) (*Prometheus, error) {
	labels := prometheus.Labels{"party": partyID}
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		proposed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "approval_votes_proposed_total",
			Help:        "votes proposed by this node",
			ConstLabels: labels,
		}, []string{"type"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "approval_replies_recorded_total",
			Help:        "voter replies folded by the vote counter",
			ConstLabels: labels,
		}, []string{"type", "action"}),
		decided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "approval_votes_decided_total",
			Help:        "votes that reached a terminal status",
			ConstLabels: labels,
		}, []string{"type", "status"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "approval_executions_finished_total",
			Help:        "local callback executions by outcome",
			ConstLabels: labels,
		}, []string{"type", "status"}),
	}
	for _, collector := range []prometheus.Collector{p.proposed, p.replies, p.decided, p.executions} {
		if err := p.registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) VoteProposed(voteType entities.VoteType) {
	p.proposed.WithLabelValues(string(voteType)).Inc()
}

func (p *Prometheus) ReplyRecorded(voteType entities.VoteType, action entities.VoteStatus) {
	p.replies.WithLabelValues(string(voteType), string(action)).Inc()
}

func (p *Prometheus) VoteDecided(voteType entities.VoteType, status entities.VoteStatus) {
	p.decided.WithLabelValues(string(voteType), string(status)).Inc()
}

func (p *Prometheus) ExecutionFinished(voteType entities.VoteType, status entities.ExecuteStatus) {
	p.executions.WithLabelValues(string(voteType), string(status)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
