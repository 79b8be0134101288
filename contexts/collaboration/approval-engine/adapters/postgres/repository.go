package postgresadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
	domainerrors "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/errors"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	outboxStatusPending   = "pending"
	outboxStatusPublished = "published"
)

// Repository is the postgres ledger of one node. Every Update* method runs in
// one transaction that locks the row, so fn observes and replaces the latest
// version and its outbox rows commit together with it.
type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewRepository(db *gorm.DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func (r *Repository) CreateVote(ctx context.Context, vote ports.NewVote) error {
	request, err := voteRequestModelFromEntity(vote.Request)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&request).Error; err != nil {
			return err
		}
		for _, invite := range vote.Invites {
			row := voteInviteModelFromEntity(invite)
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		for _, execution := range vote.Executions {
			row := voteExecutionModelFromEntity(execution)
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return err
			}
		}
		return appendOutbox(tx, vote.Outbox)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return domainerrors.ErrConflict
		}
		return r.logError("approval_repo_create_vote_failed", err, "vote_id", vote.Request.VoteID)
	}
	return nil
}

func (r *Repository) GetVoteRequest(ctx context.Context, voteID string) (entities.VoteRequest, error) {
	var row voteRequestModel
	err := r.db.WithContext(ctx).
		Where("vote_id = ?", strings.TrimSpace(voteID)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.VoteRequest{}, domainerrors.ErrVoteNotFound
		}
		return entities.VoteRequest{}, r.logError("approval_repo_get_vote_request_failed", err, "vote_id", strings.TrimSpace(voteID))
	}
	return row.toEntity()
}

func (r *Repository) EnsureVoteRequest(ctx context.Context, request entities.VoteRequest) (entities.VoteRequest, bool, error) {
	row, err := voteRequestModelFromEntity(request)
	if err != nil {
		return entities.VoteRequest{}, false, err
	}
	create := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "vote_id"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		return entities.VoteRequest{}, false, r.logError("approval_repo_ensure_vote_request_failed", create.Error,
			"vote_id", request.VoteID,
		)
	}
	if create.RowsAffected > 0 {
		return request, true, nil
	}
	existing, err := r.GetVoteRequest(ctx, request.VoteID)
	return existing, false, err
}

func (r *Repository) UpdateVoteRequest(
	ctx context.Context,
	voteID string,
	fn func(*entities.VoteRequest) ([]ports.EventEnvelope, error),
) (entities.VoteRequest, error) {
	var updated entities.VoteRequest
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row voteRequestModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("vote_id = ?", strings.TrimSpace(voteID)).
			First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domainerrors.ErrVoteNotFound
			}
			return err
		}
		current, err := row.toEntity()
		if err != nil {
			return err
		}
		envelopes, err := fn(&current)
		if err != nil {
			return callbackError{err: err}
		}
		next, err := voteRequestModelFromEntity(current)
		if err != nil {
			return err
		}
		if err := tx.Save(&next).Error; err != nil {
			return err
		}
		updated = current
		return appendOutbox(tx, envelopes)
	})
	if err != nil {
		return entities.VoteRequest{}, r.domainOrLog("approval_repo_update_vote_request_failed", err, "vote_id", voteID)
	}
	return updated, nil
}

func (r *Repository) ListVoteRequests(ctx context.Context, filter ports.VoteFilter) ([]entities.VoteRequest, error) {
	tx := r.db.WithContext(ctx).Model(&voteRequestModel{})
	if filter.Type != "" {
		tx = tx.Where("type = ?", string(filter.Type))
	}
	if filter.Status != "" {
		tx = tx.Where("status = ?", string(filter.Status))
	}
	if strings.TrimSpace(filter.Initiator) != "" {
		tx = tx.Where("initiator = ?", strings.TrimSpace(filter.Initiator))
	}
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}
	var rows []voteRequestModel
	if err := tx.Order("created_at DESC").Order("vote_id ASC").Find(&rows).Error; err != nil {
		return nil, r.logError("approval_repo_list_vote_requests_failed", err, "status", string(filter.Status))
	}
	items := make([]entities.VoteRequest, 0, len(rows))
	for _, row := range rows {
		item, err := row.toEntity()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (r *Repository) FindVoteBySubject(
	ctx context.Context,
	voteType entities.VoteType,
	subjectID string,
	status entities.VoteStatus,
) (entities.VoteRequest, bool, error) {
	tx := r.db.WithContext(ctx).
		Where("type = ?", string(voteType)).
		Where("subject_id = ?", strings.TrimSpace(subjectID))
	if status != "" {
		tx = tx.Where("status = ?", string(status))
	}
	var row voteRequestModel
	if err := tx.Order("created_at DESC").First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.VoteRequest{}, false, nil
		}
		return entities.VoteRequest{}, false, r.logError("approval_repo_find_vote_by_subject_failed", err,
			"vote_type", string(voteType),
			"subject_id", strings.TrimSpace(subjectID),
		)
	}
	request, err := row.toEntity()
	if err != nil {
		return entities.VoteRequest{}, false, err
	}
	return request, true, nil
}

func (r *Repository) CreateVoteInvite(ctx context.Context, invite entities.VoteInvite) (entities.VoteInvite, bool, error) {
	row := voteInviteModelFromEntity(invite)
	create := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "vote_id"}, {Name: "vote_partition_id"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		return entities.VoteInvite{}, false, r.logError("approval_repo_create_vote_invite_failed", create.Error,
			"vote_id", invite.VoteID,
			"party_id", invite.VotePartitionID,
		)
	}
	if create.RowsAffected > 0 {
		return invite, true, nil
	}
	existing, err := r.GetVoteInvite(ctx, invite.VoteID, invite.VotePartitionID)
	return existing, false, err
}

func (r *Repository) GetVoteInvite(ctx context.Context, voteID string, partyID string) (entities.VoteInvite, error) {
	var row voteInviteModel
	err := r.db.WithContext(ctx).
		Where("vote_id = ? AND vote_partition_id = ?", strings.TrimSpace(voteID), strings.TrimSpace(partyID)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.VoteInvite{}, domainerrors.ErrInviteNotFound
		}
		return entities.VoteInvite{}, r.logError("approval_repo_get_vote_invite_failed", err,
			"vote_id", strings.TrimSpace(voteID),
			"party_id", strings.TrimSpace(partyID),
		)
	}
	return row.toEntity(), nil
}

func (r *Repository) UpdateVoteInvite(
	ctx context.Context,
	voteID string,
	partyID string,
	fn func(*entities.VoteInvite) ([]ports.EventEnvelope, error),
) (entities.VoteInvite, error) {
	var updated entities.VoteInvite
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row voteInviteModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("vote_id = ? AND vote_partition_id = ?", strings.TrimSpace(voteID), strings.TrimSpace(partyID)).
			First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domainerrors.ErrInviteNotFound
			}
			return err
		}
		current := row.toEntity()
		envelopes, err := fn(&current)
		if err != nil {
			return callbackError{err: err}
		}
		next := voteInviteModelFromEntity(current)
		if err := tx.Save(&next).Error; err != nil {
			return err
		}
		updated = current
		return appendOutbox(tx, envelopes)
	})
	if err != nil {
		return entities.VoteInvite{}, r.domainOrLog("approval_repo_update_vote_invite_failed", err,
			"vote_id", voteID,
			"party_id", partyID,
		)
	}
	return updated, nil
}

func (r *Repository) ListVoteInvites(ctx context.Context, voteID string) ([]entities.VoteInvite, error) {
	var rows []voteInviteModel
	if err := r.db.WithContext(ctx).
		Where("vote_id = ?", strings.TrimSpace(voteID)).
		Order("vote_partition_id ASC").
		Find(&rows).Error; err != nil {
		return nil, r.logError("approval_repo_list_vote_invites_failed", err, "vote_id", strings.TrimSpace(voteID))
	}
	return toInviteEntities(rows), nil
}

func (r *Repository) ListInvitesByParty(ctx context.Context, partyID string, action entities.VoteStatus) ([]entities.VoteInvite, error) {
	tx := r.db.WithContext(ctx).Where("vote_partition_id = ?", strings.TrimSpace(partyID))
	if action != "" {
		tx = tx.Where("action = ?", string(action))
	}
	var rows []voteInviteModel
	if err := tx.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, r.logError("approval_repo_list_invites_by_party_failed", err, "party_id", strings.TrimSpace(partyID))
	}
	return toInviteEntities(rows), nil
}

func (r *Repository) EnsureExecution(ctx context.Context, execution entities.VoteExecution) (entities.VoteExecution, error) {
	row := voteExecutionModelFromEntity(execution)
	create := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "vote_id"}, {Name: "party_id"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		return entities.VoteExecution{}, r.logError("approval_repo_ensure_execution_failed", create.Error,
			"vote_id", execution.VoteID,
			"party_id", execution.PartyID,
		)
	}
	if create.RowsAffected > 0 {
		return execution, nil
	}
	existing, _, err := r.GetExecution(ctx, execution.VoteID, execution.PartyID)
	return existing, err
}

func (r *Repository) GetExecution(ctx context.Context, voteID string, partyID string) (entities.VoteExecution, bool, error) {
	var row voteExecutionModel
	err := r.db.WithContext(ctx).
		Where("vote_id = ? AND party_id = ?", strings.TrimSpace(voteID), strings.TrimSpace(partyID)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entities.VoteExecution{}, false, nil
		}
		return entities.VoteExecution{}, false, r.logError("approval_repo_get_execution_failed", err,
			"vote_id", strings.TrimSpace(voteID),
			"party_id", strings.TrimSpace(partyID),
		)
	}
	return row.toEntity(), true, nil
}

// UpdateExecution keeps the row locked while fn runs, so a concurrent
// dispatch of the same (vote, party) waits and then sees the terminal status.
func (r *Repository) UpdateExecution(
	ctx context.Context,
	voteID string,
	partyID string,
	fn func(*entities.VoteExecution) error,
) (entities.VoteExecution, error) {
	var updated entities.VoteExecution
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row voteExecutionModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("vote_id = ? AND party_id = ?", strings.TrimSpace(voteID), strings.TrimSpace(partyID)).
			First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domainerrors.ErrExecutionNotFound
			}
			return err
		}
		current := row.toEntity()
		if err := fn(&current); err != nil {
			return callbackError{err: err}
		}
		next := voteExecutionModelFromEntity(current)
		if err := tx.Save(&next).Error; err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return entities.VoteExecution{}, r.domainOrLog("approval_repo_update_execution_failed", err,
			"vote_id", voteID,
			"party_id", partyID,
		)
	}
	return updated, nil
}

func (r *Repository) Get(ctx context.Context, key string, now time.Time) (ports.IdempotencyRecord, bool, error) {
	var row idempotencyModel
	err := r.db.WithContext(ctx).
		Where("key = ?", strings.TrimSpace(key)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.IdempotencyRecord{}, false, nil
		}
		return ports.IdempotencyRecord{}, false, r.logError("approval_repo_idempotency_get_failed", err,
			"idempotency_key", strings.TrimSpace(key),
		)
	}
	if !row.ExpiresAt.IsZero() && now.UTC().After(row.ExpiresAt.UTC()) {
		if err := r.db.WithContext(ctx).
			Where("key = ?", strings.TrimSpace(key)).
			Delete(&idempotencyModel{}).Error; err != nil {
			return ports.IdempotencyRecord{}, false, r.logError("approval_repo_idempotency_expire_delete_failed", err,
				"idempotency_key", strings.TrimSpace(key),
			)
		}
		return ports.IdempotencyRecord{}, false, nil
	}
	return ports.IdempotencyRecord{
		Key:         row.Key,
		RequestHash: row.RequestHash,
		VoteID:      row.VoteID,
		ExpiresAt:   row.ExpiresAt.UTC(),
	}, true, nil
}

func (r *Repository) Put(ctx context.Context, record ports.IdempotencyRecord) error {
	row := idempotencyModel{
		Key:         strings.TrimSpace(record.Key),
		RequestHash: strings.TrimSpace(record.RequestHash),
		VoteID:      strings.TrimSpace(record.VoteID),
		ExpiresAt:   record.ExpiresAt.UTC(),
	}
	create := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		return r.logError("approval_repo_idempotency_put_failed", create.Error, "idempotency_key", row.Key)
	}
	if create.RowsAffected > 0 {
		return nil
	}

	var existing idempotencyModel
	if err := r.db.WithContext(ctx).
		Where("key = ?", row.Key).
		First(&existing).Error; err != nil {
		return r.logError("approval_repo_idempotency_load_existing_failed", err, "idempotency_key", row.Key)
	}
	if existing.RequestHash != row.RequestHash || existing.VoteID != row.VoteID {
		return domainerrors.ErrIdempotencyKeyConflict
	}
	return nil
}

func (r *Repository) AppendOutbox(ctx context.Context, envelope ports.EventEnvelope) error {
	err := appendOutbox(r.db.WithContext(ctx), []ports.EventEnvelope{envelope})
	if err != nil && !errors.Is(err, domainerrors.ErrConflict) {
		return r.logError("approval_repo_append_outbox_failed", err, "event_id", strings.TrimSpace(envelope.EventID))
	}
	return err
}

// appendOutbox inserts envelopes through tx. Re-inserting an identical
// envelope is a no-op; a different payload under the same id is a conflict.
func appendOutbox(tx *gorm.DB, envelopes []ports.EventEnvelope) error {
	for _, envelope := range envelopes {
		payload, err := json.Marshal(envelope)
		if err != nil {
			return err
		}
		row := outboxModel{
			OutboxID:     strings.TrimSpace(envelope.EventID),
			EventType:    strings.TrimSpace(envelope.EventType),
			PartitionKey: strings.TrimSpace(envelope.PartitionKey),
			Payload:      payload,
			Status:       outboxStatusPending,
			CreatedAt:    envelope.OccurredAt.UTC(),
		}
		if row.OutboxID == "" {
			row.OutboxID = uuid.NewString()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = time.Now().UTC()
		}
		create := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "outbox_id"}},
			DoNothing: true,
		}).Create(&row)
		if create.Error != nil {
			return create.Error
		}
		if create.RowsAffected > 0 {
			continue
		}
		var existing outboxModel
		if err := tx.Select("payload").Where("outbox_id = ?", row.OutboxID).First(&existing).Error; err != nil {
			return err
		}
		if !bytes.Equal(existing.Payload, row.Payload) {
			return domainerrors.ErrConflict
		}
	}
	return nil
}

func (r *Repository) ListPendingOutbox(ctx context.Context, limit int) ([]ports.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []outboxModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", outboxStatusPending).
		Order("seq ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, r.logError("approval_repo_list_pending_outbox_failed", err, "limit", limit)
	}
	items := make([]ports.OutboxMessage, 0, len(rows))
	for _, row := range rows {
		items = append(items, ports.OutboxMessage{
			OutboxID:     row.OutboxID,
			EventType:    row.EventType,
			PartitionKey: row.PartitionKey,
			Payload:      append([]byte(nil), row.Payload...),
			CreatedAt:    row.CreatedAt.UTC(),
		})
	}
	return items, nil
}

func (r *Repository) MarkOutboxPublished(ctx context.Context, outboxID string, publishedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&outboxModel{}).
		Where("outbox_id = ?", strings.TrimSpace(outboxID)).
		Updates(map[string]any{
			"status":       outboxStatusPublished,
			"published_at": publishedAt.UTC(),
		})
	if result.Error != nil {
		return r.logError("approval_repo_mark_outbox_published_failed", result.Error,
			"outbox_id", strings.TrimSpace(outboxID),
		)
	}
	if result.RowsAffected == 0 {
		return domainerrors.ErrConflict
	}
	return nil
}

func (r *Repository) ReserveEvent(
	ctx context.Context,
	eventID string,
	payloadHash string,
	expiresAt time.Time,
) (bool, error) {
	row := eventDedupModel{
		EventID:     strings.TrimSpace(eventID),
		PayloadHash: strings.TrimSpace(payloadHash),
		ExpiresAt:   expiresAt.UTC(),
		ProcessedAt: time.Now().UTC(),
	}
	create := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		return false, r.logError("approval_repo_reserve_event_failed", create.Error,
			"event_id", strings.TrimSpace(eventID),
		)
	}
	if create.RowsAffected > 0 {
		return false, nil
	}

	var existing eventDedupModel
	if err := r.db.WithContext(ctx).
		Select("payload_hash").
		Where("event_id = ?", row.EventID).
		First(&existing).Error; err != nil {
		return false, r.logError("approval_repo_reserve_event_load_existing_failed", err,
			"event_id", strings.TrimSpace(eventID),
		)
	}
	if existing.PayloadHash != row.PayloadHash {
		return false, domainerrors.ErrConflict
	}
	return true, nil
}

func (r *Repository) ReleaseEvent(ctx context.Context, eventID string) error {
	if err := r.db.WithContext(ctx).
		Where("event_id = ?", strings.TrimSpace(eventID)).
		Delete(&eventDedupModel{}).Error; err != nil {
		return r.logError("approval_repo_release_event_failed", err, "event_id", strings.TrimSpace(eventID))
	}
	return nil
}

// callbackError marks an error returned by an Update* callback so it leaves
// the transaction unlogged and unwrapped.
type callbackError struct {
	err error
}

func (e callbackError) Error() string { return e.err.Error() }

func (e callbackError) Unwrap() error { return e.err }

// domainOrLog passes callback and not-found errors through and logs the rest.
func (r *Repository) domainOrLog(event string, err error, attrs ...any) error {
	var callbackErr callbackError
	if errors.As(err, &callbackErr) {
		return callbackErr.err
	}
	for _, target := range []error{
		domainerrors.ErrVoteNotFound,
		domainerrors.ErrInviteNotFound,
		domainerrors.ErrExecutionNotFound,
		domainerrors.ErrConflict,
	} {
		if errors.Is(err, target) {
			return err
		}
	}
	if isUniqueViolation(err) {
		return domainerrors.ErrConflict
	}
	return r.logError(event, err, attrs...)
}

func (r *Repository) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+8)
	fields = append(fields,
		"event", event,
		"module", "collaboration/approval-engine",
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	r.logger.Error("approval repository operation failed", fields...)
	return err
}

func toInviteEntities(rows []voteInviteModel) []entities.VoteInvite {
	items := make([]entities.VoteInvite, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toEntity())
	}
	return items
}
