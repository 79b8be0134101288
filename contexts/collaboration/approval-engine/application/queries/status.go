package queries

import (
	"context"
	"strings"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application/votetypes"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
)

// VoteStatusView is what a party sees when it looks at one vote on this node.
// ExecuteStatus is empty when the viewer has no execution row here.
type VoteStatusView struct {
	Request       entities.VoteRequest
	ExecuteStatus entities.ExecuteStatus
	ExecuteMsg    string
	Parties       []entities.PartyVoteView
}

type ApprovalQueries struct {
	Votes      ports.VoteLedger
	Executions ports.ExecutionLedger
	Registry   votetypes.Registry
}

func (q ApprovalQueries) Status(ctx context.Context, voteID string, viewer string) (VoteStatusView, error) {
	request, err := q.Votes.GetVoteRequest(ctx, strings.TrimSpace(voteID))
	if err != nil {
		return VoteStatusView{}, err
	}
	handler, err := q.Registry.Handler(request.Type)
	if err != nil {
		return VoteStatusView{}, err
	}
	parties, err := handler.PartyStatusView(ctx, request.VoteID)
	if err != nil {
		return VoteStatusView{}, err
	}
	view := VoteStatusView{Request: request, Parties: parties}
	if viewer = strings.TrimSpace(viewer); viewer != "" {
		execution, found, err := q.Executions.GetExecution(ctx, request.VoteID, viewer)
		if err != nil {
			return VoteStatusView{}, err
		}
		if found {
			view.ExecuteStatus = execution.ExecuteStatus
			view.ExecuteMsg = execution.Msg
		}
	}
	return view, nil
}

func (q ApprovalQueries) ListVotes(ctx context.Context, filter ports.VoteFilter) ([]entities.VoteRequest, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return q.Votes.ListVoteRequests(ctx, filter)
}

// ListInvites returns the invites addressed to partyID, optionally only those
// with the given action.
func (q ApprovalQueries) ListInvites(ctx context.Context, partyID string, action entities.VoteStatus) ([]entities.VoteInvite, error) {
	return q.Votes.ListInvitesByParty(ctx, strings.TrimSpace(partyID), action)
}
