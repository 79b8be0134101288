package httpadapter

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application/commands"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application/queries"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application/workers"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
	httptransport "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/transport/http"
)

// Handler maps transport DTOs onto the approval use cases of the local party.
type Handler struct {
	PartyID   string
	Approvals commands.ApprovalUseCase
	Queries   queries.ApprovalQueries
	Inbox     workers.InboxConsumer
	Logger    *slog.Logger
}

func (h Handler) ProposeHandler(
	ctx context.Context,
	idempotencyKey string,
	req httptransport.ProposeRequest,
) (httptransport.VoteResponse, error) {
	result, err := h.Approvals.Propose(ctx, commands.ProposeCommand{
		PartyID:        h.PartyID,
		Type:           entities.VoteType(strings.ToUpper(strings.TrimSpace(req.Type))),
		IdempotencyKey: idempotencyKey,
		Params:         req.Params,
	})
	if err != nil {
		return httptransport.VoteResponse{}, err
	}
	resp := mapVote(result.Request)
	resp.Replayed = result.Replayed
	return resp, nil
}

func (h Handler) ReplyHandler(
	ctx context.Context,
	voteID string,
	req httptransport.ReplyRequest,
) (httptransport.InviteResponse, error) {
	invite, err := h.Approvals.Reply(ctx, commands.ReplyCommand{
		PartyID: h.PartyID,
		VoteID:  voteID,
		Action:  entities.VoteStatus(strings.ToUpper(strings.TrimSpace(req.Action))),
		Reason:  req.Reason,
	})
	if err != nil {
		return httptransport.InviteResponse{}, err
	}
	return mapInvite(invite), nil
}

// StatusHandler shows the vote as seen by viewer, defaulting to the local party.
func (h Handler) StatusHandler(ctx context.Context, voteID string, viewer string) (httptransport.StatusResponse, error) {
	if strings.TrimSpace(viewer) == "" {
		viewer = h.PartyID
	}
	view, err := h.Queries.Status(ctx, voteID, viewer)
	if err != nil {
		return httptransport.StatusResponse{}, err
	}
	resp := httptransport.StatusResponse{
		Vote:          mapVote(view.Request),
		ExecuteStatus: string(view.ExecuteStatus),
		ExecuteMsg:    view.ExecuteMsg,
		Parties:       make([]httptransport.PartyStatus, 0, len(view.Parties)),
	}
	for _, party := range view.Parties {
		resp.Parties = append(resp.Parties, httptransport.PartyStatus{
			PartyID:        party.PartyID,
			PartyName:      party.PartyName,
			Action:         string(party.Action),
			Reason:         party.Reason,
			OriginalAction: string(party.OriginalAction),
			OriginalReason: party.OriginalReason,
		})
	}
	return resp, nil
}

func (h Handler) ListVotesHandler(
	ctx context.Context,
	voteType string,
	status string,
	initiator string,
	limit int,
) (httptransport.ListVotesResponse, error) {
	items, err := h.Queries.ListVotes(ctx, ports.VoteFilter{
		Type:      entities.VoteType(strings.ToUpper(strings.TrimSpace(voteType))),
		Status:    entities.VoteStatus(strings.ToUpper(strings.TrimSpace(status))),
		Initiator: initiator,
		Limit:     limit,
	})
	if err != nil {
		return httptransport.ListVotesResponse{}, err
	}
	resp := httptransport.ListVotesResponse{Items: make([]httptransport.VoteResponse, 0, len(items))}
	for _, item := range items {
		resp.Items = append(resp.Items, mapVote(item))
	}
	return resp, nil
}

func (h Handler) ListInvitesHandler(ctx context.Context, action string) (httptransport.ListInvitesResponse, error) {
	items, err := h.Queries.ListInvites(ctx, h.PartyID, entities.VoteStatus(strings.ToUpper(strings.TrimSpace(action))))
	if err != nil {
		return httptransport.ListInvitesResponse{}, err
	}
	resp := httptransport.ListInvitesResponse{Items: make([]httptransport.InviteResponse, 0, len(items))}
	for _, item := range items {
		resp.Items = append(resp.Items, mapInvite(item))
	}
	return resp, nil
}

func (h Handler) RedriveHandler(ctx context.Context, voteID string) (httptransport.ExecutionResponse, error) {
	execution, err := h.Approvals.Redrive(ctx, commands.RedriveCommand{
		PartyID: h.PartyID,
		VoteID:  voteID,
	})
	if err != nil {
		return httptransport.ExecutionResponse{}, err
	}
	return httptransport.ExecutionResponse{
		VoteID:        execution.VoteID,
		PartyID:       execution.PartyID,
		ExecuteStatus: string(execution.ExecuteStatus),
		Msg:           execution.Msg,
	}, nil
}

// InboxHandler accepts a node message pushed by a peer over HTTP.
func (h Handler) InboxHandler(ctx context.Context, envelope ports.EventEnvelope) error {
	return h.Inbox.Handle(ctx, envelope)
}

func mapVote(request entities.VoteRequest) httptransport.VoteResponse {
	resp := httptransport.VoteResponse{
		VoteID:            request.VoteID,
		Type:              string(request.Type),
		Initiator:         request.Initiator,
		Voters:            request.Voters,
		Executors:         request.Executors,
		VoteCounter:       request.VoteCounter,
		ApprovedThreshold: request.ApprovedThreshold,
		Status:            string(request.Status),
		PartyVoteInfos:    make([]httptransport.PartyVoteInfo, 0, len(request.PartyVoteInfos)),
		Desc:              request.Desc,
		SubjectID:         request.SubjectID,
		CreatedAt:         request.CreatedAt.UTC().Format(time.RFC3339),
	}
	for _, info := range request.PartyVoteInfos {
		resp.PartyVoteInfos = append(resp.PartyVoteInfos, httptransport.PartyVoteInfo{
			PartyID: info.PartyID,
			Action:  string(info.Action),
			Reason:  info.Reason,
		})
	}
	return resp
}

func mapInvite(invite entities.VoteInvite) httptransport.InviteResponse {
	return httptransport.InviteResponse{
		VoteID:    invite.VoteID,
		PartyID:   invite.VotePartitionID,
		Initiator: invite.Initiator,
		Type:      string(invite.Type),
		Desc:      invite.Desc,
		Action:    string(invite.Action),
		Reason:    invite.Reason,
		CreatedAt: invite.CreatedAt.UTC().Format(time.RFC3339),
	}
}
