package votetypes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	application "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
	domainerrors "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/errors"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/services"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
)

// RouteOpenParams is proposed by the source organization; the destination is
// the only voter.
type RouteOpenParams struct {
	DstPartyID    string `json:"dstPartyId"`
	SrcNetAddress string `json:"srcNetAddress"`
	DstNetAddress string `json:"dstNetAddress"`
}

type RouteOpenHandler struct {
	Base
	Routes ports.RouteActuator
}

func (h RouteOpenHandler) Type() entities.VoteType {
	return entities.VoteTypeNodeRoute
}

func (h RouteOpenHandler) Precheck(ctx context.Context, proposer string, params json.RawMessage) error {
	_, err := h.route(ctx, proposer, params)
	return err
}

func (h RouteOpenHandler) route(ctx context.Context, proposer string, params json.RawMessage) (entities.RouteAction, error) {
	var input RouteOpenParams
	if err := decodeParams(params, &input); err != nil {
		return entities.RouteAction{}, err
	}
	route := entities.RouteAction{
		SrcPartyID:    strings.TrimSpace(proposer),
		DstPartyID:    strings.TrimSpace(input.DstPartyID),
		SrcNetAddress: strings.TrimSpace(input.SrcNetAddress),
		DstNetAddress: strings.TrimSpace(input.DstNetAddress),
	}
	if route.SrcPartyID == "" || route.DstPartyID == "" {
		return entities.RouteAction{}, fmt.Errorf("%w: route needs source and destination", domainerrors.ErrInvalidInput)
	}
	if route.SrcPartyID == route.DstPartyID {
		return entities.RouteAction{}, domainerrors.ErrRouteSourceMismatch
	}
	if err := h.ensurePartyKnown(ctx, route.DstPartyID); err != nil {
		return entities.RouteAction{}, err
	}
	for _, pair := range [][2]string{{route.SrcPartyID, route.DstPartyID}, {route.DstPartyID, route.SrcPartyID}} {
		exists, err := h.Routes.RouteExists(ctx, pair[0], pair[1])
		if err != nil {
			return entities.RouteAction{}, err
		}
		if exists {
			return entities.RouteAction{}, fmt.Errorf("%w: %s -> %s", domainerrors.ErrRouteAlreadyExists, pair[0], pair[1])
		}
	}
	if err := h.ensureReviewingVoteAbsent(ctx, entities.VoteTypeNodeRoute, routeSubject(route)); err != nil {
		return entities.RouteAction{}, err
	}
	return route, nil
}

func (h RouteOpenHandler) CreateApproval(ctx context.Context, input ApprovalInput) (entities.VoteRequest, error) {
	route, err := h.route(ctx, input.Proposer, input.Params)
	if err != nil {
		return entities.VoteRequest{}, err
	}
	approved, err := services.EncodeAction(services.ActionKindNodeRoute, route)
	if err != nil {
		return entities.VoteRequest{}, err
	}
	return h.createApproval(ctx, input, proposal{
		Type:           entities.VoteTypeNodeRoute,
		Desc:           fmt.Sprintf("route %s -> %s", route.SrcPartyID, h.partyName(ctx, route.DstPartyID)),
		SubjectID:      routeSubject(route),
		Voters:         []string{route.DstPartyID},
		Executors:      []string{route.SrcPartyID, route.DstPartyID},
		Threshold:      1,
		ApprovedAction: approved,
		RejectedAction: services.NoopAction(),
	})
}

func (h RouteOpenHandler) ShouldApply(partyID string, status entities.VoteStatus, request entities.VoteRequest) (bool, error) {
	action, err := h.outcome(request, status)
	if err != nil {
		return false, err
	}
	if action.Kind == services.ActionKindNoop {
		return true, nil
	}
	var route entities.RouteAction
	if err := action.Decode(&route); err != nil {
		return false, err
	}
	return partyID == route.SrcPartyID || partyID == route.DstPartyID, nil
}

func (h RouteOpenHandler) ApplyApproved(ctx context.Context, partyID string, request entities.VoteRequest) error {
	action, err := h.outcome(request, entities.VoteStatusApproved)
	if err != nil {
		return err
	}
	if err := action.Expect(services.ActionKindNodeRoute); err != nil {
		return err
	}
	var route entities.RouteAction
	if err := action.Decode(&route); err != nil {
		return err
	}
	exists, err := h.Routes.RouteExists(ctx, route.SrcPartyID, route.DstPartyID)
	if err != nil {
		return err
	}
	if exists {
		application.ResolveLogger(h.Logger).Info("route already present, skipping",
			"event", "approval_route_apply_skipped",
			"module", moduleName,
			"layer", "application",
			"vote_id", request.VoteID,
			"party_id", partyID,
		)
		return nil
	}
	return h.Routes.CreateRoute(ctx, route)
}

func (h RouteOpenHandler) ApplyRejected(_ context.Context, _ string, request entities.VoteRequest) error {
	return h.rejectedNoop(request)
}

func (h RouteOpenHandler) PartyStatusView(ctx context.Context, voteID string) ([]entities.PartyVoteView, error) {
	views, _, err := h.partyViews(ctx, voteID)
	return views, err
}

// routeSubject is direction-free so a reverse proposal is blocked while one
// is under review.
func routeSubject(route entities.RouteAction) string {
	parties := normalizeParties([]string{route.SrcPartyID, route.DstPartyID})
	return strings.Join(parties, ":")
}
