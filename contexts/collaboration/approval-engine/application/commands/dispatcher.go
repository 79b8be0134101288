package commands

import (
	"context"
	"log/slog"
	"strings"
	"time"

	application "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application/votetypes"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
	domainerrors "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/errors"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
)

const notAffectedMsg = "not affected by this vote"

// CallbackDispatcher applies a decided vote on the local node. The apply step
// runs inside ExecutionLedger.UpdateExecution, so two deliveries of the same
// decision never both reach the actuator.
type CallbackDispatcher struct {
	Registry   votetypes.Registry
	Executions ports.ExecutionLedger
	Clock      ports.Clock
	Metrics    ports.ApprovalMetrics
	Logger     *slog.Logger
}

// Dispatch returns the local execution row after the attempt. Apply failures
// are recorded as FAILED with the error text and are not returned; only
// ledger errors are.
func (d CallbackDispatcher) Dispatch(
	ctx context.Context,
	localParty string,
	request entities.VoteRequest,
) (entities.VoteExecution, error) {
	logger := application.ResolveLogger(d.Logger)
	localParty = strings.TrimSpace(localParty)
	if !request.Status.IsTerminal() {
		return entities.VoteExecution{}, domainerrors.ErrVoteNotDecided
	}
	if localParty == "" {
		return entities.VoteExecution{}, domainerrors.ErrInvalidInput
	}
	handler, err := d.Registry.Handler(request.Type)
	if err != nil {
		return entities.VoteExecution{}, err
	}

	now := d.now()
	if _, err := d.Executions.EnsureExecution(ctx, entities.VoteExecution{
		VoteID:        request.VoteID,
		PartyID:       localParty,
		ExecuteStatus: entities.ExecuteStatusCommitted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}); err != nil {
		return entities.VoteExecution{}, err
	}

	skipped := false
	execution, err := d.Executions.UpdateExecution(ctx, request.VoteID, localParty, func(execution *entities.VoteExecution) error {
		if execution.ExecuteStatus.IsTerminal() {
			skipped = true
			return nil
		}
		execution.UpdatedAt = d.now()
		if !request.IsExecutor(localParty) {
			execution.ExecuteStatus = entities.ExecuteStatusObserver
			return nil
		}
		apply, err := handler.ShouldApply(localParty, request.Status, request)
		if err != nil {
			execution.ExecuteStatus = entities.ExecuteStatusFailed
			execution.Msg = err.Error()
			return nil
		}
		if !apply {
			execution.ExecuteStatus = entities.ExecuteStatusSuccess
			execution.Msg = notAffectedMsg
			return nil
		}
		if request.Status == entities.VoteStatusApproved {
			err = handler.ApplyApproved(ctx, localParty, request)
		} else {
			err = handler.ApplyRejected(ctx, localParty, request)
		}
		if err != nil {
			execution.ExecuteStatus = entities.ExecuteStatusFailed
			execution.Msg = err.Error()
			return nil
		}
		execution.ExecuteStatus = entities.ExecuteStatusSuccess
		execution.Msg = ""
		return nil
	})
	if err != nil {
		logger.Error("vote dispatch failed",
			"event", "approval_dispatch_failed",
			"module", moduleName,
			"layer", "application",
			"vote_id", request.VoteID,
			"party_id", localParty,
			"error", err.Error(),
		)
		return entities.VoteExecution{}, err
	}
	if skipped {
		logger.Debug("vote dispatch skipped, execution already terminal",
			"event", "approval_dispatch_skipped",
			"module", moduleName,
			"layer", "application",
			"vote_id", request.VoteID,
			"party_id", localParty,
			"execute_status", string(execution.ExecuteStatus),
		)
		return execution, nil
	}

	application.ResolveMetrics(d.Metrics).ExecutionFinished(request.Type, execution.ExecuteStatus)
	level := slog.LevelInfo
	if execution.ExecuteStatus == entities.ExecuteStatusFailed {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "vote dispatched",
		"event", "approval_dispatch_completed",
		"module", moduleName,
		"layer", "application",
		"vote_id", request.VoteID,
		"vote_type", string(request.Type),
		"vote_status", string(request.Status),
		"party_id", localParty,
		"execute_status", string(execution.ExecuteStatus),
		"msg", execution.Msg,
	)
	return execution, nil
}

func (d CallbackDispatcher) now() time.Time {
	if d.Clock != nil {
		return d.Clock.Now().UTC()
	}
	return time.Now().UTC()
}
