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

type ProjectArchiveParams struct {
	ProjectID string `json:"projectId"`
	Reason    string `json:"reason,omitempty"`
}

type ProjectArchiveHandler struct {
	Base
	Projects ports.ProjectActuator
}

func (h ProjectArchiveHandler) Type() entities.VoteType {
	return entities.VoteTypeProjectArchive
}

func (h ProjectArchiveHandler) Precheck(ctx context.Context, proposer string, params json.RawMessage) error {
	_, err := h.archive(ctx, proposer, params)
	return err
}

func (h ProjectArchiveHandler) archive(ctx context.Context, proposer string, params json.RawMessage) (entities.ProjectArchiveAction, error) {
	var input ProjectArchiveParams
	if err := decodeParams(params, &input); err != nil {
		return entities.ProjectArchiveAction{}, err
	}
	proposer = strings.TrimSpace(proposer)
	projectID := strings.TrimSpace(input.ProjectID)
	if projectID == "" || proposer == "" {
		return entities.ProjectArchiveAction{}, fmt.Errorf("%w: project id is required", domainerrors.ErrInvalidInput)
	}
	project, found, err := h.Projects.GetProject(ctx, projectID)
	if err != nil {
		return entities.ProjectArchiveAction{}, err
	}
	if !found {
		return entities.ProjectArchiveAction{}, fmt.Errorf("%w: %s", domainerrors.ErrProjectNotFound, projectID)
	}
	if project.Status == entities.ProjectStatusArchived {
		return entities.ProjectArchiveAction{}, fmt.Errorf("%w: %s", domainerrors.ErrProjectArchived, projectID)
	}
	if !project.HasMember(proposer) {
		return entities.ProjectArchiveAction{}, fmt.Errorf("%w: %s", domainerrors.ErrNotProjectMember, proposer)
	}
	members := normalizeParties(project.Members)
	if len(without(members, proposer)) == 0 {
		return entities.ProjectArchiveAction{}, domainerrors.ErrNoVoters
	}
	if err := h.ensureReviewingVoteAbsent(ctx, entities.VoteTypeProjectArchive, projectID); err != nil {
		return entities.ProjectArchiveAction{}, err
	}
	return entities.ProjectArchiveAction{
		ProjectID: projectID,
		Name:      project.Name,
		Members:   members,
		Reason:    strings.TrimSpace(input.Reason),
	}, nil
}

func (h ProjectArchiveHandler) CreateApproval(ctx context.Context, input ApprovalInput) (entities.VoteRequest, error) {
	archive, err := h.archive(ctx, input.Proposer, input.Params)
	if err != nil {
		return entities.VoteRequest{}, err
	}
	approved, err := services.EncodeAction(services.ActionKindProjectArchive, archive)
	if err != nil {
		return entities.VoteRequest{}, err
	}
	voters := without(archive.Members, strings.TrimSpace(input.Proposer))
	return h.createApproval(ctx, input, proposal{
		Type:           entities.VoteTypeProjectArchive,
		Desc:           archive.Name,
		SubjectID:      archive.ProjectID,
		Voters:         voters,
		Executors:      archive.Members,
		Threshold:      len(voters),
		ApprovedAction: approved,
		RejectedAction: services.NoopAction(),
	})
}

func (h ProjectArchiveHandler) ShouldApply(partyID string, status entities.VoteStatus, request entities.VoteRequest) (bool, error) {
	action, err := h.outcome(request, status)
	if err != nil {
		return false, err
	}
	if action.Kind == services.ActionKindNoop {
		return true, nil
	}
	var archive entities.ProjectArchiveAction
	if err := action.Decode(&archive); err != nil {
		return false, err
	}
	return containsParty(archive.Members, partyID), nil
}

func (h ProjectArchiveHandler) ApplyApproved(ctx context.Context, partyID string, request entities.VoteRequest) error {
	action, err := h.outcome(request, entities.VoteStatusApproved)
	if err != nil {
		return err
	}
	if err := action.Expect(services.ActionKindProjectArchive); err != nil {
		return err
	}
	var archive entities.ProjectArchiveAction
	if err := action.Decode(&archive); err != nil {
		return err
	}
	return archiveProject(ctx, h.Base, h.Projects, request.VoteID, partyID, archive)
}

func (h ProjectArchiveHandler) ApplyRejected(_ context.Context, _ string, request entities.VoteRequest) error {
	return h.rejectedNoop(request)
}

// PartyStatusView also shows how each party voted on the project's creation.
func (h ProjectArchiveHandler) PartyStatusView(ctx context.Context, voteID string) ([]entities.PartyVoteView, error) {
	views, request, err := h.partyViews(ctx, voteID)
	if err != nil {
		return nil, err
	}
	original, found, err := h.Ledger.FindVoteBySubject(ctx, entities.VoteTypeProjectCreate, request.SubjectID, "")
	if err != nil || !found {
		return views, err
	}
	originalViews, _, err := h.partyViews(ctx, original.VoteID)
	if err != nil {
		return nil, err
	}
	byParty := make(map[string]entities.PartyVoteView, len(originalViews))
	for _, view := range originalViews {
		byParty[view.PartyID] = view
	}
	for i := range views {
		if views[i].PartyID == original.Initiator {
			views[i].OriginalAction = entities.VoteStatusApproved
			continue
		}
		if view, ok := byParty[views[i].PartyID]; ok {
			views[i].OriginalAction = view.Action
			views[i].OriginalReason = view.Reason
		}
	}
	return views, nil
}

// archiveProject drops memberships before flipping the status so a failed
// attempt can be redriven without leaving orphan memberships behind an
// archived project.
func archiveProject(
	ctx context.Context,
	base Base,
	projects ports.ProjectActuator,
	voteID string,
	partyID string,
	archive entities.ProjectArchiveAction,
) error {
	logger := application.ResolveLogger(base.Logger)
	current, found, err := projects.GetProject(ctx, archive.ProjectID)
	if err != nil {
		return err
	}
	if found && current.Status == entities.ProjectStatusArchived {
		logger.Info("project already archived, skipping",
			"event", "approval_project_archive_skipped",
			"module", moduleName,
			"layer", "application",
			"vote_id", voteID,
			"party_id", partyID,
			"project_id", archive.ProjectID,
		)
		return nil
	}
	if !found {
		// A rejected creation still leaves an archived record behind.
		return projects.SaveProject(ctx, entities.Project{
			ProjectID: archive.ProjectID,
			Name:      archive.Name,
			Members:   archive.Members,
			Status:    entities.ProjectStatusArchived,
		})
	}
	removed, err := projects.DeleteMemberships(ctx, archive.ProjectID, archive.Members)
	if err != nil {
		return err
	}
	if _, err := projects.MarkArchived(ctx, archive.ProjectID); err != nil {
		return err
	}
	logger.Info("project archived",
		"event", "approval_project_archived",
		"module", moduleName,
		"layer", "application",
		"vote_id", voteID,
		"party_id", partyID,
		"project_id", archive.ProjectID,
		"memberships_removed", removed,
	)
	return nil
}
