package votetypes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
	domainerrors "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/errors"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/services"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
)

type TeeDownloadParams struct {
	ProjectID         string `json:"projectId"`
	JobID             string `json:"jobId,omitempty"`
	TaskID            string `json:"taskId,omitempty"`
	ResourceID        string `json:"resourceId"`
	TeeNodeID         string `json:"teeNodeId"`
	ReceiverPublicKey []byte `json:"receiverPublicKey,omitempty"`
}

// TeeDownloadHandler releases a result held by the secure node to the
// requester once every other project member agrees. Only the requester acts.
type TeeDownloadHandler struct {
	Base
	Projects ports.ProjectActuator
	Releases ports.ResultReleaseActuator
}

func (h TeeDownloadHandler) Type() entities.VoteType {
	return entities.VoteTypeTeeDownload
}

func (h TeeDownloadHandler) Precheck(ctx context.Context, proposer string, params json.RawMessage) error {
	_, _, err := h.release(ctx, proposer, params)
	return err
}

func (h TeeDownloadHandler) release(
	ctx context.Context,
	proposer string,
	params json.RawMessage,
) (entities.TeeDownloadAction, []string, error) {
	var input TeeDownloadParams
	if err := decodeParams(params, &input); err != nil {
		return entities.TeeDownloadAction{}, nil, err
	}
	release := entities.TeeDownloadAction{
		ProjectID:         strings.TrimSpace(input.ProjectID),
		JobID:             strings.TrimSpace(input.JobID),
		TaskID:            strings.TrimSpace(input.TaskID),
		ResourceID:        strings.TrimSpace(input.ResourceID),
		TeeNodeID:         strings.TrimSpace(input.TeeNodeID),
		Requester:         strings.TrimSpace(proposer),
		ReceiverPublicKey: input.ReceiverPublicKey,
	}
	if release.ProjectID == "" || release.ResourceID == "" || release.TeeNodeID == "" || release.Requester == "" {
		return entities.TeeDownloadAction{}, nil, fmt.Errorf("%w: project, resource and tee node are required", domainerrors.ErrInvalidInput)
	}
	project, found, err := h.Projects.GetProject(ctx, release.ProjectID)
	if err != nil {
		return entities.TeeDownloadAction{}, nil, err
	}
	if !found {
		return entities.TeeDownloadAction{}, nil, fmt.Errorf("%w: %s", domainerrors.ErrProjectNotFound, release.ProjectID)
	}
	if project.Status == entities.ProjectStatusArchived {
		return entities.TeeDownloadAction{}, nil, fmt.Errorf("%w: %s", domainerrors.ErrProjectArchived, release.ProjectID)
	}
	if !project.HasMember(release.Requester) {
		return entities.TeeDownloadAction{}, nil, fmt.Errorf("%w: %s", domainerrors.ErrNotProjectMember, release.Requester)
	}
	voters := without(normalizeParties(project.Members), release.Requester)
	if len(voters) == 0 {
		return entities.TeeDownloadAction{}, nil, domainerrors.ErrNoVoters
	}
	if err := h.ensureReviewingVoteAbsent(ctx, entities.VoteTypeTeeDownload, teeSubject(release)); err != nil {
		return entities.TeeDownloadAction{}, nil, err
	}
	return release, voters, nil
}

func (h TeeDownloadHandler) CreateApproval(ctx context.Context, input ApprovalInput) (entities.VoteRequest, error) {
	release, voters, err := h.release(ctx, input.Proposer, input.Params)
	if err != nil {
		return entities.VoteRequest{}, err
	}
	approved, err := services.EncodeAction(services.ActionKindTeeDownload, release)
	if err != nil {
		return entities.VoteRequest{}, err
	}
	return h.createApproval(ctx, input, proposal{
		Type:           entities.VoteTypeTeeDownload,
		Desc:           fmt.Sprintf("download %s from %s", release.ResourceID, release.TeeNodeID),
		SubjectID:      teeSubject(release),
		Voters:         voters,
		Executors:      []string{release.Requester},
		Threshold:      len(voters),
		ApprovedAction: approved,
		RejectedAction: services.NoopAction(),
	})
}

func (h TeeDownloadHandler) ShouldApply(partyID string, status entities.VoteStatus, request entities.VoteRequest) (bool, error) {
	action, err := h.outcome(request, status)
	if err != nil {
		return false, err
	}
	if action.Kind == services.ActionKindNoop {
		return true, nil
	}
	var release entities.TeeDownloadAction
	if err := action.Decode(&release); err != nil {
		return false, err
	}
	return partyID == release.Requester, nil
}

func (h TeeDownloadHandler) ApplyApproved(ctx context.Context, _ string, request entities.VoteRequest) error {
	action, err := h.outcome(request, entities.VoteStatusApproved)
	if err != nil {
		return err
	}
	if err := action.Expect(services.ActionKindTeeDownload); err != nil {
		return err
	}
	var release entities.TeeDownloadAction
	if err := action.Decode(&release); err != nil {
		return err
	}
	return h.Releases.PullResultFromSecureNode(ctx, release)
}

func (h TeeDownloadHandler) ApplyRejected(_ context.Context, _ string, request entities.VoteRequest) error {
	return h.rejectedNoop(request)
}

func (h TeeDownloadHandler) PartyStatusView(ctx context.Context, voteID string) ([]entities.PartyVoteView, error) {
	views, _, err := h.partyViews(ctx, voteID)
	return views, err
}

func teeSubject(release entities.TeeDownloadAction) string {
	return release.ProjectID + "/" + release.ResourceID
}
