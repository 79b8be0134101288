package application

import (
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
)

// ResolveMetrics returns a no-op recorder when metrics are not wired.
func ResolveMetrics(metrics ports.ApprovalMetrics) ports.ApprovalMetrics {
	if metrics == nil {
		return nopMetrics{}
	}
	return metrics
}

type nopMetrics struct{}

func (nopMetrics) VoteProposed(entities.VoteType) {}
func (nopMetrics) ReplyRecorded(entities.VoteType, entities.VoteStatus) {}
func (nopMetrics) VoteDecided(entities.VoteType, entities.VoteStatus) {}
func (nopMetrics) ExecutionFinished(entities.VoteType, entities.ExecuteStatus) {}
