// Package votetypes holds the closed set of vote kinds. Each kind knows who
// votes, who executes, what happens on approval or rejection and how to apply
// the decided action locally.
package votetypes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	application "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application/messages"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
	domainerrors "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/errors"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/services"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
)

const moduleName = "collaboration/approval-engine"

// Handler is implemented once per vote kind.
type Handler interface {
	Type() entities.VoteType
	// Precheck validates domain preconditions before any record is written.
	Precheck(ctx context.Context, proposer string, params json.RawMessage) error
	// CreateApproval runs Precheck and atomically persists the request, the
	// invites and the invite messages.
	CreateApproval(ctx context.Context, input ApprovalInput) (entities.VoteRequest, error)
	// ShouldApply is the payload-derived filter layered on top of the
	// executor set.
	ShouldApply(partyID string, status entities.VoteStatus, request entities.VoteRequest) (bool, error)
	ApplyApproved(ctx context.Context, partyID string, request entities.VoteRequest) error
	ApplyRejected(ctx context.Context, partyID string, request entities.VoteRequest) error
	PartyStatusView(ctx context.Context, voteID string) ([]entities.PartyVoteView, error)
}

type ApprovalInput struct {
	VoteID   string
	Proposer string
	Params   json.RawMessage
	Now      time.Time
}

// Base carries the collaborators every kind shares.
type Base struct {
	Ledger    ports.VoteLedger
	Directory ports.PartyDirectory
	IDGen     ports.IDGenerator
	Logger    *slog.Logger
}

// proposal is what a kind computes before the shared createApproval writes it.
type proposal struct {
	Type           entities.VoteType
	Desc           string
	SubjectID      string
	Voters         []string
	Executors      []string
	Threshold      int
	ApprovedAction string
	RejectedAction string
}

func (b Base) createApproval(ctx context.Context, input ApprovalInput, p proposal) (entities.VoteRequest, error) {
	logger := application.ResolveLogger(b.Logger)
	proposer := strings.TrimSpace(input.Proposer)
	if len(p.Voters) == 0 {
		return entities.VoteRequest{}, domainerrors.ErrNoVoters
	}
	if p.Threshold < 1 || p.Threshold > len(p.Voters) {
		return entities.VoteRequest{}, fmt.Errorf("%w: threshold %d for %d voters",
			domainerrors.ErrInvalidInput, p.Threshold, len(p.Voters))
	}

	requestMsg, err := services.EncodeEnvelope(services.VoteEnvelope{
		ApprovedAction:    p.ApprovedAction,
		RejectedAction:    p.RejectedAction,
		Type:              string(p.Type),
		ApprovedThreshold: p.Threshold,
		Initiator:         proposer,
		VoteRequestID:     input.VoteID,
		VoteCounter:       proposer,
		Voters:            p.Voters,
		Executors:         p.Executors,
	})
	if err != nil {
		return entities.VoteRequest{}, err
	}

	now := input.Now.UTC()
	request := entities.VoteRequest{
		VoteID:            input.VoteID,
		Type:              p.Type,
		Initiator:         proposer,
		Voters:            p.Voters,
		Executors:         p.Executors,
		VoteCounter:       proposer,
		ApprovedThreshold: p.Threshold,
		Status:            entities.VoteStatusReviewing,
		RequestMsg:        requestMsg,
		Desc:              p.Desc,
		SubjectID:         p.SubjectID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	invites := make([]entities.VoteInvite, 0, len(p.Voters))
	outbox := make([]ports.EventEnvelope, 0, len(p.Voters))
	for _, voter := range p.Voters {
		request.PartyVoteInfos = append(request.PartyVoteInfos, entities.PartyVoteInfo{
			PartyID: voter,
			Action:  entities.VoteStatusReviewing,
		})
		invites = append(invites, entities.VoteInvite{
			VoteID:          input.VoteID,
			VotePartitionID: voter,
			Initiator:       proposer,
			Type:            p.Type,
			Desc:            p.Desc,
			Action:          entities.VoteStatusReviewing,
			VoteMsg:         requestMsg,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		if voter == proposer {
			continue
		}
		eventID, err := b.IDGen.NewID(ctx)
		if err != nil {
			return entities.VoteRequest{}, err
		}
		envelope, err := messages.NewEnvelope(eventID, messages.TypeVoteInvited, proposer, voter, now, messages.Invite{
			VoteID:    input.VoteID,
			Type:      p.Type,
			Initiator: proposer,
			Desc:      p.Desc,
			SubjectID: p.SubjectID,
			Voter:     voter,
			VoteMsg:   requestMsg,
		})
		if err != nil {
			return entities.VoteRequest{}, err
		}
		outbox = append(outbox, envelope)
	}

	if err := b.Ledger.CreateVote(ctx, ports.NewVote{
		Request: request,
		Invites: invites,
		Executions: []entities.VoteExecution{{
			VoteID:        input.VoteID,
			PartyID:       proposer,
			ExecuteStatus: entities.ExecuteStatusCommitted,
			CreatedAt:     now,
			UpdatedAt:     now,
		}},
		Outbox: outbox,
	}); err != nil {
		return entities.VoteRequest{}, err
	}

	logger.Info("vote request created",
		"event", "approval_vote_request_created",
		"module", moduleName,
		"layer", "application",
		"vote_id", request.VoteID,
		"vote_type", string(request.Type),
		"initiator", request.Initiator,
		"voters", request.Voters,
		"executors", request.Executors,
		"threshold", request.ApprovedThreshold,
	)
	return request, nil
}

// outcome decodes the action stored for a terminal status from the request's
// own envelope; it never consults invite rows, which may be partial.
func (b Base) outcome(request entities.VoteRequest, status entities.VoteStatus) (services.Action, error) {
	envelope, err := services.DecodeEnvelope(request.RequestMsg)
	if err != nil {
		return services.Action{}, err
	}
	return envelope.ActionFor(status)
}

// rejectedNoop is the rejection path of kinds whose rejection changes nothing.
func (b Base) rejectedNoop(request entities.VoteRequest) error {
	action, err := b.outcome(request, entities.VoteStatusRejected)
	if err != nil {
		return err
	}
	return action.Expect(services.ActionKindNoop)
}

// ensureReviewingVoteAbsent rejects a proposal while another vote of the same
// kind is open for the subject.
func (b Base) ensureReviewingVoteAbsent(ctx context.Context, voteType entities.VoteType, subjectID string) error {
	existing, found, err := b.Ledger.FindVoteBySubject(ctx, voteType, subjectID, entities.VoteStatusReviewing)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s vote %s", domainerrors.ErrVoteUnderReview, voteType, existing.VoteID)
	}
	return nil
}

// ensurePartyKnown is skipped when no directory is wired.
func (b Base) ensurePartyKnown(ctx context.Context, partyID string) error {
	if b.Directory == nil {
		return nil
	}
	_, found, err := b.Directory.PartyName(ctx, partyID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", domainerrors.ErrUnknownParty, partyID)
	}
	return nil
}

func (b Base) partyName(ctx context.Context, partyID string) string {
	if b.Directory == nil {
		return partyID
	}
	name, found, err := b.Directory.PartyName(ctx, partyID)
	if err != nil || !found || strings.TrimSpace(name) == "" {
		return partyID
	}
	return name
}

// partyViews joins invite rows with display names. A request-side reply wins
// over a still-reviewing invite because the counter may have heard from the
// voter before the local invite copy was updated.
func (b Base) partyViews(ctx context.Context, voteID string) ([]entities.PartyVoteView, entities.VoteRequest, error) {
	request, err := b.Ledger.GetVoteRequest(ctx, voteID)
	if err != nil {
		return nil, entities.VoteRequest{}, err
	}
	invites, err := b.Ledger.ListVoteInvites(ctx, voteID)
	if err != nil {
		return nil, entities.VoteRequest{}, err
	}
	byParty := make(map[string]entities.VoteInvite, len(invites))
	for _, invite := range invites {
		byParty[invite.VotePartitionID] = invite
	}

	views := make([]entities.PartyVoteView, 0, len(request.Voters))
	for _, voter := range request.Voters {
		view := entities.PartyVoteView{
			PartyID:   voter,
			PartyName: b.partyName(ctx, voter),
			Action:    entities.VoteStatusReviewing,
		}
		if invite, ok := byParty[voter]; ok {
			view.Action = invite.Action
			view.Reason = invite.Reason
		}
		if info, ok := request.PartyInfo(voter); ok && !view.Action.IsTerminal() && info.Action.IsTerminal() {
			view.Action = info.Action
			view.Reason = info.Reason
		}
		views = append(views, view)
	}
	return views, request, nil
}

func decodeParams(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: params are required", domainerrors.ErrInvalidInput)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %v", domainerrors.ErrInvalidInput, err)
	}
	return nil
}

// normalizeParties trims, drops blanks and duplicates, and sorts for a stable
// voter order.
func normalizeParties(parties []string) []string {
	seen := make(map[string]struct{}, len(parties))
	items := make([]string, 0, len(parties))
	for _, party := range parties {
		party = strings.TrimSpace(party)
		if party == "" {
			continue
		}
		if _, ok := seen[party]; ok {
			continue
		}
		seen[party] = struct{}{}
		items = append(items, party)
	}
	sort.Strings(items)
	return items
}

func without(parties []string, excluded string) []string {
	items := make([]string, 0, len(parties))
	for _, party := range parties {
		if party != excluded {
			items = append(items, party)
		}
	}
	return items
}

func containsParty(parties []string, partyID string) bool {
	for _, party := range parties {
		if party == partyID {
			return true
		}
	}
	return false
}

// Registry is the dispatch table from vote type to handler.
type Registry struct {
	handlers map[entities.VoteType]Handler
}

func NewRegistry(handlers ...Handler) Registry {
	registry := Registry{handlers: make(map[entities.VoteType]Handler, len(handlers))}
	for _, handler := range handlers {
		registry.handlers[handler.Type()] = handler
	}
	return registry
}

// NewDefaultRegistry registers the four supported kinds.
func NewDefaultRegistry(
	base Base,
	routes ports.RouteActuator,
	projects ports.ProjectActuator,
	releases ports.ResultReleaseActuator,
) Registry {
	return NewRegistry(
		RouteOpenHandler{Base: base, Routes: routes},
		ProjectCreateHandler{Base: base, Projects: projects},
		ProjectArchiveHandler{Base: base, Projects: projects},
		TeeDownloadHandler{Base: base, Projects: projects, Releases: releases},
	)
}

func (r Registry) Handler(voteType entities.VoteType) (Handler, error) {
	handler, ok := r.handlers[entities.VoteType(strings.TrimSpace(string(voteType)))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domainerrors.ErrUnknownVoteType, voteType)
	}
	return handler, nil
}

func (r Registry) Types() []entities.VoteType {
	items := make([]entities.VoteType, 0, len(r.handlers))
	for voteType := range r.handlers {
		items = append(items, voteType)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	return items
}
