package commands

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	application "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application/messages"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application/votetypes"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
	domainerrors "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/errors"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/services"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
)

const moduleName = "collaboration/approval-engine"

// ProposeCommand starts a vote on behalf of PartyID.
type ProposeCommand struct {
	PartyID        string
	Type           entities.VoteType
	IdempotencyKey string
	Params         json.RawMessage
}

// ProposeResult reports whether the request came from an idempotency replay.
type ProposeResult struct {
	Request  entities.VoteRequest
	Replayed bool
}

// ReplyCommand records PartyID's decision on its invite.
type ReplyCommand struct {
	PartyID string
	VoteID  string
	Action  entities.VoteStatus
	Reason  string
}

// RedriveCommand retries PartyID's execution of a decided vote.
type RedriveCommand struct {
	PartyID string
	VoteID  string
}

// ApprovalUseCase drives a vote through propose, reply, tally and
// notification. Every method acts for an explicit party; a node hosting one
// organization passes the same PartyID everywhere.
type ApprovalUseCase struct {
	Votes          ports.VoteLedger
	Registry       votetypes.Registry
	Dispatcher     CallbackDispatcher
	Idempotency    ports.IdempotencyStore
	Clock          ports.Clock
	IDGen          ports.IDGenerator
	Metrics        ports.ApprovalMetrics
	IdempotencyTTL time.Duration
	Logger         *slog.Logger
}

// Propose runs the kind's precheck and persists the request and its invites.
// A precheck failure leaves no record behind.
func (uc ApprovalUseCase) Propose(ctx context.Context, cmd ProposeCommand) (ProposeResult, error) {
	logger := application.ResolveLogger(uc.Logger)
	partyID := strings.TrimSpace(cmd.PartyID)
	logger.Info("vote propose processing started",
		"event", "approval_propose_started",
		"module", moduleName,
		"layer", "application",
		"party_id", partyID,
		"vote_type", string(cmd.Type),
	)
	if partyID == "" {
		return ProposeResult{}, domainerrors.ErrInvalidInput
	}
	handler, err := uc.Registry.Handler(cmd.Type)
	if err != nil {
		logger.Warn("vote propose rejected unknown type",
			"event", "approval_propose_unknown_type",
			"module", moduleName,
			"layer", "application",
			"party_id", partyID,
			"vote_type", string(cmd.Type),
		)
		return ProposeResult{}, err
	}

	now := uc.now()
	key := strings.TrimSpace(cmd.IdempotencyKey)
	requestHash := hashProposeCommand(cmd)
	if key != "" && uc.Idempotency != nil {
		record, found, err := uc.Idempotency.Get(ctx, key, now)
		if err != nil {
			logger.Error("vote propose idempotency lookup failed",
				"event", "approval_propose_idempotency_lookup_failed",
				"module", moduleName,
				"layer", "application",
				"party_id", partyID,
				"error", err.Error(),
			)
			return ProposeResult{}, err
		}
		if found {
			if record.RequestHash != requestHash {
				logger.Warn("vote propose idempotency conflict",
					"event", "approval_propose_idempotency_conflict",
					"module", moduleName,
					"layer", "application",
					"party_id", partyID,
				)
				return ProposeResult{}, domainerrors.ErrIdempotencyKeyConflict
			}
			request, err := uc.Votes.GetVoteRequest(ctx, record.VoteID)
			if err != nil {
				return ProposeResult{}, err
			}
			logger.Info("vote propose replayed",
				"event", "approval_propose_replayed",
				"module", moduleName,
				"layer", "application",
				"vote_id", request.VoteID,
				"party_id", partyID,
			)
			return ProposeResult{Request: request, Replayed: true}, nil
		}
	}

	voteID, err := uc.IDGen.NewID(ctx)
	if err != nil {
		return ProposeResult{}, err
	}
	request, err := handler.CreateApproval(ctx, votetypes.ApprovalInput{
		VoteID:   voteID,
		Proposer: partyID,
		Params:   cmd.Params,
		Now:      now,
	})
	if err != nil {
		logger.Warn("vote propose precheck or persist failed",
			"event", "approval_propose_failed",
			"module", moduleName,
			"layer", "application",
			"party_id", partyID,
			"vote_type", string(cmd.Type),
			"error", err.Error(),
		)
		return ProposeResult{}, err
	}
	if key != "" && uc.Idempotency != nil {
		if err := uc.Idempotency.Put(ctx, ports.IdempotencyRecord{
			Key:         key,
			RequestHash: requestHash,
			VoteID:      request.VoteID,
			ExpiresAt:   now.Add(uc.resolveIdempotencyTTL()),
		}); err != nil {
			return ProposeResult{}, err
		}
	}
	application.ResolveMetrics(uc.Metrics).VoteProposed(request.Type)
	return ProposeResult{Request: request}, nil
}

// ReceiveInvite stores the voter's copy of a proposal and a mirror of the
// request. Redelivery is harmless: both writes are insert-if-absent.
func (uc ApprovalUseCase) ReceiveInvite(ctx context.Context, localParty string, invite messages.Invite) error {
	logger := application.ResolveLogger(uc.Logger)
	localParty = strings.TrimSpace(localParty)
	if strings.TrimSpace(invite.Voter) != localParty {
		return domainerrors.ErrNotVoter
	}
	envelope, err := services.DecodeEnvelope(invite.VoteMsg)
	if err != nil {
		return err
	}
	if envelope.VoteRequestID != invite.VoteID {
		return domainerrors.ErrMalformedEnvelope
	}

	now := uc.now()
	_, created, err := uc.Votes.CreateVoteInvite(ctx, entities.VoteInvite{
		VoteID:          invite.VoteID,
		VotePartitionID: localParty,
		Initiator:       envelope.Initiator,
		Type:            entities.VoteType(envelope.Type),
		Desc:            invite.Desc,
		Action:          entities.VoteStatusReviewing,
		VoteMsg:         invite.VoteMsg,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return err
	}
	if _, err := uc.ensureMirror(ctx, envelope, invite.VoteMsg, invite.Desc, invite.SubjectID, now); err != nil {
		return err
	}
	logger.Info("vote invite received",
		"event", "approval_invite_received",
		"module", moduleName,
		"layer", "application",
		"vote_id", invite.VoteID,
		"party_id", localParty,
		"initiator", envelope.Initiator,
		"created", created,
	)
	return nil
}

// Reply records the local voter's decision and forwards it to the counter.
func (uc ApprovalUseCase) Reply(ctx context.Context, cmd ReplyCommand) (entities.VoteInvite, error) {
	logger := application.ResolveLogger(uc.Logger)
	partyID := strings.TrimSpace(cmd.PartyID)
	voteID := strings.TrimSpace(cmd.VoteID)
	if partyID == "" || voteID == "" || !cmd.Action.IsTerminal() {
		logger.Warn("vote reply validation failed",
			"event", "approval_reply_validation_failed",
			"module", moduleName,
			"layer", "application",
			"vote_id", voteID,
			"party_id", partyID,
			"action", string(cmd.Action),
		)
		return entities.VoteInvite{}, domainerrors.ErrInvalidInput
	}

	now := uc.now()
	counter := ""
	invite, err := uc.Votes.UpdateVoteInvite(ctx, voteID, partyID, func(invite *entities.VoteInvite) ([]ports.EventEnvelope, error) {
		if invite.Action.IsTerminal() {
			return nil, domainerrors.ErrInviteAlreadyTerminal
		}
		envelope, err := services.DecodeEnvelope(invite.VoteMsg)
		if err != nil {
			return nil, err
		}
		counter = envelope.VoteCounter
		invite.Action = cmd.Action
		invite.Reason = strings.TrimSpace(cmd.Reason)
		invite.UpdatedAt = now
		if counter == partyID {
			return nil, nil
		}
		eventID, err := uc.IDGen.NewID(ctx)
		if err != nil {
			return nil, err
		}
		reply, err := messages.NewEnvelope(eventID, messages.TypeVoteReplied, partyID, counter, now, messages.Reply{
			VoteID: voteID,
			Voter:  partyID,
			Action: invite.Action,
			Reason: invite.Reason,
		})
		if err != nil {
			return nil, err
		}
		return []ports.EventEnvelope{reply}, nil
	})
	if err != nil {
		logger.Warn("vote reply failed",
			"event", "approval_reply_failed",
			"module", moduleName,
			"layer", "application",
			"vote_id", voteID,
			"party_id", partyID,
			"error", err.Error(),
		)
		return entities.VoteInvite{}, err
	}
	logger.Info("vote reply recorded",
		"event", "approval_reply_recorded",
		"module", moduleName,
		"layer", "application",
		"vote_id", voteID,
		"party_id", partyID,
		"action", string(invite.Action),
		"vote_counter", counter,
	)

	if counter == partyID {
		if _, err := uc.RecordReply(ctx, partyID, messages.Reply{
			VoteID: voteID,
			Voter:  partyID,
			Action: invite.Action,
			Reason: invite.Reason,
		}); err != nil {
			return entities.VoteInvite{}, err
		}
	}
	return invite, nil
}

// RecordReply folds a voter's reply into the request held by the counter,
// tallies it, and fans out the decision on the first terminal transition.
func (uc ApprovalUseCase) RecordReply(ctx context.Context, localParty string, reply messages.Reply) (entities.VoteRequest, error) {
	logger := application.ResolveLogger(uc.Logger)
	localParty = strings.TrimSpace(localParty)
	voter := strings.TrimSpace(reply.Voter)
	if !reply.Action.IsTerminal() || voter == "" {
		return entities.VoteRequest{}, domainerrors.ErrInvalidInput
	}

	now := uc.now()
	decided := false
	duplicate := false
	request, err := uc.Votes.UpdateVoteRequest(ctx, reply.VoteID, func(request *entities.VoteRequest) ([]ports.EventEnvelope, error) {
		if request.VoteCounter != localParty {
			return nil, domainerrors.ErrNotVoteCounter
		}
		if !request.IsVoter(voter) {
			return nil, domainerrors.ErrNotVoter
		}
		if info, ok := request.PartyInfo(voter); ok && info.Action.IsTerminal() {
			if info.Action != reply.Action {
				return nil, domainerrors.ErrInviteAlreadyTerminal
			}
			duplicate = true
			return nil, nil
		}
		request.SetPartyInfo(entities.PartyVoteInfo{
			PartyID: voter,
			Action:  reply.Action,
			Reason:  strings.TrimSpace(reply.Reason),
		})
		request.UpdatedAt = now

		next := services.NextStatus(request.Status, services.Tally(*request).Status)
		if next == request.Status {
			return nil, nil
		}
		request.Status = next
		decided = true
		return uc.decidedEnvelopes(ctx, *request, localParty, now)
	})
	if err != nil {
		logger.Warn("vote reply fold failed",
			"event", "approval_reply_fold_failed",
			"module", moduleName,
			"layer", "application",
			"vote_id", reply.VoteID,
			"voter", voter,
			"error", err.Error(),
		)
		return entities.VoteRequest{}, err
	}
	if duplicate {
		logger.Info("vote reply duplicate ignored",
			"event", "approval_reply_duplicate",
			"module", moduleName,
			"layer", "application",
			"vote_id", reply.VoteID,
			"voter", voter,
		)
	} else {
		application.ResolveMetrics(uc.Metrics).ReplyRecorded(request.Type, reply.Action)
	}
	if voter != localParty {
		if err := uc.mirrorInvite(ctx, reply, now); err != nil {
			return entities.VoteRequest{}, err
		}
	}
	if !request.Status.IsTerminal() {
		return request, nil
	}

	if decided {
		logger.Info("vote decided",
			"event", "approval_vote_decided",
			"module", moduleName,
			"layer", "application",
			"vote_id", request.VoteID,
			"vote_type", string(request.Type),
			"status", string(request.Status),
		)
		application.ResolveMetrics(uc.Metrics).VoteDecided(request.Type, request.Status)
	}
	// A redelivered reply lands here after a failed dispatch; Dispatch skips
	// executions that are already terminal.
	if _, err := uc.Dispatcher.Dispatch(ctx, localParty, request); err != nil {
		return entities.VoteRequest{}, err
	}
	return request, nil
}

// OnTerminalNotification applies a decision announced by the vote counter.
// Repeated notifications with the same status are no-ops; a different
// terminal status is a protocol violation.
func (uc ApprovalUseCase) OnTerminalNotification(
	ctx context.Context,
	localParty string,
	sourceParty string,
	decided messages.Decided,
) (entities.VoteRequest, error) {
	logger := application.ResolveLogger(uc.Logger)
	localParty = strings.TrimSpace(localParty)
	if !decided.Status.IsTerminal() {
		return entities.VoteRequest{}, domainerrors.ErrInvalidInput
	}
	envelope, err := services.DecodeEnvelope(decided.RequestMsg)
	if err != nil {
		return entities.VoteRequest{}, err
	}
	if envelope.VoteRequestID != decided.VoteID {
		return entities.VoteRequest{}, domainerrors.ErrMalformedEnvelope
	}
	if source := strings.TrimSpace(sourceParty); source != "" && source != envelope.VoteCounter {
		return entities.VoteRequest{}, domainerrors.ErrNotVoteCounter
	}

	now := uc.now()
	if _, err := uc.ensureMirror(ctx, envelope, decided.RequestMsg, decided.Desc, decided.SubjectID, now); err != nil {
		return entities.VoteRequest{}, err
	}
	request, err := uc.Votes.UpdateVoteRequest(ctx, decided.VoteID, func(request *entities.VoteRequest) ([]ports.EventEnvelope, error) {
		if request.Status.IsTerminal() {
			if request.Status != decided.Status {
				return nil, domainerrors.ErrStatusConflict
			}
			return nil, nil
		}
		request.Status = decided.Status
		request.PartyVoteInfos = append([]entities.PartyVoteInfo(nil), decided.PartyVoteInfos...)
		request.UpdatedAt = now
		return nil, nil
	})
	if err != nil {
		logger.Warn("vote terminal notification rejected",
			"event", "approval_terminal_notification_rejected",
			"module", moduleName,
			"layer", "application",
			"vote_id", decided.VoteID,
			"party_id", localParty,
			"status", string(decided.Status),
			"error", err.Error(),
		)
		return entities.VoteRequest{}, err
	}
	logger.Info("vote terminal notification applied",
		"event", "approval_terminal_notification_applied",
		"module", moduleName,
		"layer", "application",
		"vote_id", request.VoteID,
		"party_id", localParty,
		"status", string(request.Status),
	)
	if _, err := uc.Dispatcher.Dispatch(ctx, localParty, request); err != nil {
		return entities.VoteRequest{}, err
	}
	return request, nil
}

// Redrive dispatches a decided vote again for the local party. A FAILED
// execution is reset first; a COMMITTED or missing one is dispatched as is,
// which covers a decision whose local dispatch never completed.
func (uc ApprovalUseCase) Redrive(ctx context.Context, cmd RedriveCommand) (entities.VoteExecution, error) {
	logger := application.ResolveLogger(uc.Logger)
	partyID := strings.TrimSpace(cmd.PartyID)
	request, err := uc.Votes.GetVoteRequest(ctx, strings.TrimSpace(cmd.VoteID))
	if err != nil {
		return entities.VoteExecution{}, err
	}
	if !request.Status.IsTerminal() {
		return entities.VoteExecution{}, domainerrors.ErrVoteNotDecided
	}
	_, err = uc.Dispatcher.Executions.UpdateExecution(ctx, request.VoteID, partyID, func(execution *entities.VoteExecution) error {
		switch execution.ExecuteStatus {
		case entities.ExecuteStatusCommitted:
			return nil
		case entities.ExecuteStatusFailed:
			execution.ExecuteStatus = entities.ExecuteStatusCommitted
			execution.Msg = ""
			execution.UpdatedAt = uc.now()
			return nil
		default:
			return domainerrors.ErrExecutionNotFailed
		}
	})
	if errors.Is(err, domainerrors.ErrExecutionNotFound) &&
		(containsParty(request.Participants(), partyID) || request.Initiator == partyID) {
		err = nil
	}
	if err != nil {
		return entities.VoteExecution{}, err
	}
	logger.Info("vote execution redriven",
		"event", "approval_execution_redriven",
		"module", moduleName,
		"layer", "application",
		"vote_id", request.VoteID,
		"party_id", partyID,
	)
	return uc.Dispatcher.Dispatch(ctx, partyID, request)
}

// ResumePending dispatches decided votes whose local execution never left
// COMMITTED, which happens when a node stops between deciding and applying.
func (uc ApprovalUseCase) ResumePending(ctx context.Context, localParty string) (int, error) {
	localParty = strings.TrimSpace(localParty)
	resumed := 0
	for _, status := range []entities.VoteStatus{entities.VoteStatusApproved, entities.VoteStatusRejected} {
		requests, err := uc.Votes.ListVoteRequests(ctx, ports.VoteFilter{Status: status})
		if err != nil {
			return resumed, err
		}
		for _, request := range requests {
			if !containsParty(request.Participants(), localParty) && request.Initiator != localParty {
				continue
			}
			execution, found, err := uc.Dispatcher.Executions.GetExecution(ctx, request.VoteID, localParty)
			if err != nil {
				return resumed, err
			}
			if found && execution.ExecuteStatus.IsTerminal() {
				continue
			}
			if _, err := uc.Dispatcher.Dispatch(ctx, localParty, request); err != nil {
				return resumed, err
			}
			resumed++
		}
	}
	return resumed, nil
}

func (uc ApprovalUseCase) ensureMirror(
	ctx context.Context,
	envelope services.VoteEnvelope,
	requestMsg string,
	desc string,
	subjectID string,
	now time.Time,
) (entities.VoteRequest, error) {
	mirror := envelope.NewVoteRequest(requestMsg, desc, subjectID)
	mirror.CreatedAt = now
	mirror.UpdatedAt = now
	for _, voter := range mirror.Voters {
		mirror.PartyVoteInfos = append(mirror.PartyVoteInfos, entities.PartyVoteInfo{
			PartyID: voter,
			Action:  entities.VoteStatusReviewing,
		})
	}
	request, _, err := uc.Votes.EnsureVoteRequest(ctx, mirror)
	return request, err
}

// mirrorInvite keeps the counter's copy of the voter's invite in step with
// the folded reply. A missing copy is not an error.
func (uc ApprovalUseCase) mirrorInvite(ctx context.Context, reply messages.Reply, now time.Time) error {
	_, err := uc.Votes.UpdateVoteInvite(ctx, reply.VoteID, strings.TrimSpace(reply.Voter), func(invite *entities.VoteInvite) ([]ports.EventEnvelope, error) {
		if invite.Action.IsTerminal() {
			return nil, nil
		}
		invite.Action = reply.Action
		invite.Reason = strings.TrimSpace(reply.Reason)
		invite.UpdatedAt = now
		return nil, nil
	})
	if errors.Is(err, domainerrors.ErrInviteNotFound) {
		return nil
	}
	return err
}

func (uc ApprovalUseCase) decidedEnvelopes(
	ctx context.Context,
	request entities.VoteRequest,
	localParty string,
	now time.Time,
) ([]ports.EventEnvelope, error) {
	targets := request.Participants()
	if !containsParty(targets, request.Initiator) {
		targets = append(targets, request.Initiator)
	}
	envelopes := make([]ports.EventEnvelope, 0, len(targets))
	for _, target := range targets {
		if target == localParty {
			continue
		}
		eventID, err := uc.IDGen.NewID(ctx)
		if err != nil {
			return nil, err
		}
		envelope, err := messages.NewEnvelope(eventID, messages.TypeVoteDecided, localParty, target, now, messages.Decided{
			VoteID:         request.VoteID,
			Type:           request.Type,
			Status:         request.Status,
			PartyVoteInfos: request.PartyVoteInfos,
			RequestMsg:     request.RequestMsg,
			Desc:           request.Desc,
			SubjectID:      request.SubjectID,
		})
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, envelope)
	}
	return envelopes, nil
}

func (uc ApprovalUseCase) now() time.Time {
	now := time.Now().UTC()
	if uc.Clock != nil {
		now = uc.Clock.Now().UTC()
	}
	return now
}

func (uc ApprovalUseCase) resolveIdempotencyTTL() time.Duration {
	if uc.IdempotencyTTL <= 0 {
		return 7 * 24 * time.Hour
	}
	return uc.IdempotencyTTL
}

func containsParty(parties []string, partyID string) bool {
	for _, party := range parties {
		if party == partyID {
			return true
		}
	}
	return false
}

func hashProposeCommand(cmd ProposeCommand) string {
	payload := map[string]string{
		"party_id":  strings.TrimSpace(cmd.PartyID),
		"vote_type": strings.TrimSpace(string(cmd.Type)),
		"params":    string(cmd.Params),
		"op":        "propose_vote",
	}
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
