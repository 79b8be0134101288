package postgresadapter

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ResultPuller fetches a released result from the secure node.
type ResultPuller interface {
	Pull(ctx context.Context, release entities.TeeDownloadAction) error
}

// Actuators applies decided votes to the node's own route, project and
// result-release tables.
type Actuators struct {
	db     *gorm.DB
	puller ResultPuller
	logger *slog.Logger
}

func NewActuators(db *gorm.DB, puller ResultPuller, logger *slog.Logger) *Actuators {
	if logger == nil {
		logger = slog.Default()
	}
	return &Actuators{db: db, puller: puller, logger: logger}
}

func (a *Actuators) RouteExists(ctx context.Context, srcPartyID string, dstPartyID string) (bool, error) {
	var count int64
	if err := a.db.WithContext(ctx).
		Model(&nodeRouteModel{}).
		Where("src_party_id = ? AND dst_party_id = ?", strings.TrimSpace(srcPartyID), strings.TrimSpace(dstPartyID)).
		Count(&count).Error; err != nil {
		return false, a.logError("approval_actuator_route_exists_failed", err,
			"src_party_id", srcPartyID,
			"dst_party_id", dstPartyID,
		)
	}
	return count > 0, nil
}

func (a *Actuators) CreateRoute(ctx context.Context, route entities.RouteAction) error {
	row := nodeRouteModel{
		SrcPartyID:    route.SrcPartyID,
		DstPartyID:    route.DstPartyID,
		SrcNetAddress: route.SrcNetAddress,
		DstNetAddress: route.DstNetAddress,
		CreatedAt:     time.Now().UTC(),
	}
	if err := a.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return a.logError("approval_actuator_create_route_failed", err,
			"src_party_id", route.SrcPartyID,
			"dst_party_id", route.DstPartyID,
		)
	}
	return nil
}

func (a *Actuators) GetProject(ctx context.Context, projectID string) (entities.Project, bool, error) {
	var row projectModel
	err := a.db.WithContext(ctx).Where("project_id = ?", strings.TrimSpace(projectID)).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.Project{}, false, nil
		}
		return entities.Project{}, false, a.logError("approval_actuator_get_project_failed", err, "project_id", projectID)
	}
	var members []projectMemberModel
	if err := a.db.WithContext(ctx).
		Where("project_id = ?", row.ProjectID).
		Order("party_id ASC").
		Find(&members).Error; err != nil {
		return entities.Project{}, false, a.logError("approval_actuator_list_members_failed", err, "project_id", projectID)
	}
	project := entities.Project{
		ProjectID:   row.ProjectID,
		Name:        row.Name,
		Description: row.Description,
		Owner:       row.Owner,
		Status:      entities.ProjectStatus(row.Status),
	}
	for _, member := range members {
		project.Members = append(project.Members, member.PartyID)
	}
	return project, true, nil
}

func (a *Actuators) SaveProject(ctx context.Context, project entities.Project) error {
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := projectModel{
			ProjectID:   project.ProjectID,
			Name:        project.Name,
			Description: project.Description,
			Owner:       project.Owner,
			Status:      string(project.Status),
			UpdatedAt:   time.Now().UTC(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "project_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"name":        row.Name,
				"description": row.Description,
				"owner":       row.Owner,
				"status":      row.Status,
				"updated_at":  row.UpdatedAt,
			}),
		}).Create(&row).Error; err != nil {
			return err
		}
		for _, member := range project.Members {
			membership := projectMemberModel{ProjectID: project.ProjectID, PartyID: member}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&membership).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return a.logError("approval_actuator_save_project_failed", err, "project_id", project.ProjectID)
	}
	return nil
}

func (a *Actuators) MarkArchived(ctx context.Context, projectID string) (bool, error) {
	result := a.db.WithContext(ctx).
		Model(&projectModel{}).
		Where("project_id = ? AND status <> ?", strings.TrimSpace(projectID), string(entities.ProjectStatusArchived)).
		Updates(map[string]any{
			"status":     string(entities.ProjectStatusArchived),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, a.logError("approval_actuator_mark_archived_failed", result.Error, "project_id", projectID)
	}
	return result.RowsAffected > 0, nil
}

func (a *Actuators) DeleteMemberships(ctx context.Context, projectID string, parties []string) (int, error) {
	if len(parties) == 0 {
		return 0, nil
	}
	result := a.db.WithContext(ctx).
		Where("project_id = ? AND party_id IN ?", strings.TrimSpace(projectID), parties).
		Delete(&projectMemberModel{})
	if result.Error != nil {
		return 0, a.logError("approval_actuator_delete_memberships_failed", result.Error, "project_id", projectID)
	}
	return int(result.RowsAffected), nil
}

// PullResultFromSecureNode skips releases already recorded, so a redriven
// execution does not pull twice.
func (a *Actuators) PullResultFromSecureNode(ctx context.Context, release entities.TeeDownloadAction) error {
	var count int64
	if err := a.db.WithContext(ctx).
		Model(&resultReleaseModel{}).
		Where("project_id = ? AND resource_id = ? AND requester = ?", release.ProjectID, release.ResourceID, release.Requester).
		Count(&count).Error; err != nil {
		return a.logError("approval_actuator_release_lookup_failed", err, "resource_id", release.ResourceID)
	}
	if count > 0 {
		return nil
	}
	if a.puller != nil {
		if err := a.puller.Pull(ctx, release); err != nil {
			return a.logError("approval_actuator_release_pull_failed", err,
				"resource_id", release.ResourceID,
				"tee_node_id", release.TeeNodeID,
			)
		}
	}
	row := resultReleaseModel{
		ProjectID:  release.ProjectID,
		ResourceID: release.ResourceID,
		Requester:  release.Requester,
		TeeNodeID:  release.TeeNodeID,
		JobID:      release.JobID,
		TaskID:     release.TaskID,
		ReleasedAt: time.Now().UTC(),
	}
	if err := a.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return a.logError("approval_actuator_release_record_failed", err, "resource_id", release.ResourceID)
	}
	return nil
}

func (a *Actuators) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+8)
	fields = append(fields,
		"event", event,
		"module", "collaboration/approval-engine",
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	a.logger.Error("approval actuator operation failed", fields...)
	return err
}
