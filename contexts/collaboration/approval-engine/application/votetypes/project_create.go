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

type ProjectCreateParams struct {
	ProjectID   string   `json:"projectId"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Members     []string `json:"members"`
}

// ProjectCreateHandler asks every invited member except the owner to accept.
// A rejection archives the project on every member so no half-created
// project lingers.
type ProjectCreateHandler struct {
	Base
	Projects ports.ProjectActuator
}

func (h ProjectCreateHandler) Type() entities.VoteType {
	return entities.VoteTypeProjectCreate
}

func (h ProjectCreateHandler) Precheck(ctx context.Context, proposer string, params json.RawMessage) error {
	_, err := h.project(ctx, proposer, params)
	return err
}

func (h ProjectCreateHandler) project(ctx context.Context, proposer string, params json.RawMessage) (entities.ProjectCreateAction, error) {
	var input ProjectCreateParams
	if err := decodeParams(params, &input); err != nil {
		return entities.ProjectCreateAction{}, err
	}
	owner := strings.TrimSpace(proposer)
	project := entities.ProjectCreateAction{
		ProjectID:   strings.TrimSpace(input.ProjectID),
		Name:        strings.TrimSpace(input.Name),
		Description: strings.TrimSpace(input.Description),
		Owner:       owner,
		Members:     normalizeParties(append(append([]string{}, input.Members...), owner)),
	}
	if project.ProjectID == "" || project.Name == "" || owner == "" {
		return entities.ProjectCreateAction{}, fmt.Errorf("%w: project id, name and owner are required", domainerrors.ErrInvalidInput)
	}
	if len(without(project.Members, owner)) == 0 {
		return entities.ProjectCreateAction{}, domainerrors.ErrNoVoters
	}
	for _, member := range project.Members {
		if err := h.ensurePartyKnown(ctx, member); err != nil {
			return entities.ProjectCreateAction{}, err
		}
	}
	_, found, err := h.Projects.GetProject(ctx, project.ProjectID)
	if err != nil {
		return entities.ProjectCreateAction{}, err
	}
	if found {
		return entities.ProjectCreateAction{}, fmt.Errorf("%w: %s", domainerrors.ErrProjectAlreadyExists, project.ProjectID)
	}
	if err := h.ensureReviewingVoteAbsent(ctx, entities.VoteTypeProjectCreate, project.ProjectID); err != nil {
		return entities.ProjectCreateAction{}, err
	}
	return project, nil
}

func (h ProjectCreateHandler) CreateApproval(ctx context.Context, input ApprovalInput) (entities.VoteRequest, error) {
	project, err := h.project(ctx, input.Proposer, input.Params)
	if err != nil {
		return entities.VoteRequest{}, err
	}
	approved, err := services.EncodeAction(services.ActionKindProjectCreate, project)
	if err != nil {
		return entities.VoteRequest{}, err
	}
	rejected, err := services.EncodeAction(services.ActionKindProjectArchive, entities.ProjectArchiveAction{
		ProjectID: project.ProjectID,
		Name:      project.Name,
		Members:   project.Members,
		Reason:    "project creation rejected",
	})
	if err != nil {
		return entities.VoteRequest{}, err
	}
	voters := without(project.Members, project.Owner)
	return h.createApproval(ctx, input, proposal{
		Type:           entities.VoteTypeProjectCreate,
		Desc:           project.Name,
		SubjectID:      project.ProjectID,
		Voters:         voters,
		Executors:      project.Members,
		Threshold:      len(voters),
		ApprovedAction: approved,
		RejectedAction: rejected,
	})
}

func (h ProjectCreateHandler) ShouldApply(partyID string, status entities.VoteStatus, request entities.VoteRequest) (bool, error) {
	action, err := h.outcome(request, status)
	if err != nil {
		return false, err
	}
	switch action.Kind {
	case services.ActionKindProjectCreate:
		var project entities.ProjectCreateAction
		if err := action.Decode(&project); err != nil {
			return false, err
		}
		return containsParty(project.Members, partyID), nil
	case services.ActionKindProjectArchive:
		var archive entities.ProjectArchiveAction
		if err := action.Decode(&archive); err != nil {
			return false, err
		}
		return containsParty(archive.Members, partyID), nil
	default:
		return false, fmt.Errorf("%w: %s", domainerrors.ErrUnknownActionKind, action.Kind)
	}
}

func (h ProjectCreateHandler) ApplyApproved(ctx context.Context, partyID string, request entities.VoteRequest) error {
	action, err := h.outcome(request, entities.VoteStatusApproved)
	if err != nil {
		return err
	}
	if err := action.Expect(services.ActionKindProjectCreate); err != nil {
		return err
	}
	var create entities.ProjectCreateAction
	if err := action.Decode(&create); err != nil {
		return err
	}
	current, found, err := h.Projects.GetProject(ctx, create.ProjectID)
	if err != nil {
		return err
	}
	if found {
		switch current.Status {
		case entities.ProjectStatusArchived:
			return fmt.Errorf("%w: %s", domainerrors.ErrProjectArchived, create.ProjectID)
		case entities.ProjectStatusApproved:
			application.ResolveLogger(h.Logger).Info("project already approved, skipping",
				"event", "approval_project_create_skipped",
				"module", moduleName,
				"layer", "application",
				"vote_id", request.VoteID,
				"party_id", partyID,
				"project_id", create.ProjectID,
			)
			return nil
		}
	}
	return h.Projects.SaveProject(ctx, entities.Project{
		ProjectID:   create.ProjectID,
		Name:        create.Name,
		Description: create.Description,
		Owner:       create.Owner,
		Members:     create.Members,
		Status:      entities.ProjectStatusApproved,
	})
}

func (h ProjectCreateHandler) ApplyRejected(ctx context.Context, partyID string, request entities.VoteRequest) error {
	action, err := h.outcome(request, entities.VoteStatusRejected)
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

func (h ProjectCreateHandler) PartyStatusView(ctx context.Context, voteID string) ([]entities.PartyVoteView, error) {
	views, _, err := h.partyViews(ctx, voteID)
	return views, err
}
