package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
	domainerrors "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/errors"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"

	"github.com/google/uuid"
)

type outboxRecord struct {
	message   ports.OutboxMessage
	seq       int64
	published bool
}

type dedupRecord struct {
	payloadHash string
	expiresAt   time.Time
}

type inviteKey struct {
	voteID  string
	partyID string
}

// Store is the in-memory ledger of one node. It implements VoteLedger,
// ExecutionLedger, the outbox, event dedup and idempotency ports.
type Store struct {
	mu sync.RWMutex
	// execMu serializes UpdateExecution callbacks, which may call actuators.
	execMu sync.Mutex

	requests    map[string]entities.VoteRequest
	invites     map[inviteKey]entities.VoteInvite
	executions  map[inviteKey]entities.VoteExecution
	idempotency map[string]ports.IdempotencyRecord
	outbox      map[string]outboxRecord
	outboxSeq   int64
	eventDedup  map[string]dedupRecord
}

func NewStore() *Store {
	return &Store{
		requests:    make(map[string]entities.VoteRequest),
		invites:     make(map[inviteKey]entities.VoteInvite),
		executions:  make(map[inviteKey]entities.VoteExecution),
		idempotency: make(map[string]ports.IdempotencyRecord),
		outbox:      make(map[string]outboxRecord),
		eventDedup:  make(map[string]dedupRecord),
	}
}

func (s *Store) CreateVote(_ context.Context, vote ports.NewVote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	voteID := strings.TrimSpace(vote.Request.VoteID)
	if voteID == "" {
		return domainerrors.ErrInvalidInput
	}
	if _, exists := s.requests[voteID]; exists {
		return domainerrors.ErrConflict
	}
	for _, invite := range vote.Invites {
		if _, exists := s.invites[inviteKey{invite.VoteID, invite.VotePartitionID}]; exists {
			return domainerrors.ErrConflict
		}
	}
	payloads := make([][]byte, 0, len(vote.Outbox))
	for _, envelope := range vote.Outbox {
		payload, err := json.Marshal(envelope)
		if err != nil {
			return err
		}
		payloads = append(payloads, payload)
	}

	s.requests[voteID] = cloneRequest(vote.Request)
	for _, invite := range vote.Invites {
		s.invites[inviteKey{invite.VoteID, invite.VotePartitionID}] = invite
	}
	for _, execution := range vote.Executions {
		s.executions[inviteKey{execution.VoteID, execution.PartyID}] = execution
	}
	for i, envelope := range vote.Outbox {
		s.appendOutboxLocked(envelope, payloads[i])
	}
	return nil
}

func (s *Store) GetVoteRequest(_ context.Context, voteID string) (entities.VoteRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	request, ok := s.requests[strings.TrimSpace(voteID)]
	if !ok {
		return entities.VoteRequest{}, domainerrors.ErrVoteNotFound
	}
	return cloneRequest(request), nil
}

func (s *Store) EnsureVoteRequest(_ context.Context, request entities.VoteRequest) (entities.VoteRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	voteID := strings.TrimSpace(request.VoteID)
	if existing, ok := s.requests[voteID]; ok {
		return cloneRequest(existing), false, nil
	}
	s.requests[voteID] = cloneRequest(request)
	return cloneRequest(request), true, nil
}

func (s *Store) UpdateVoteRequest(
	_ context.Context,
	voteID string,
	fn func(*entities.VoteRequest) ([]ports.EventEnvelope, error),
) (entities.VoteRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	voteID = strings.TrimSpace(voteID)
	current, ok := s.requests[voteID]
	if !ok {
		return entities.VoteRequest{}, domainerrors.ErrVoteNotFound
	}
	updated := cloneRequest(current)
	envelopes, err := fn(&updated)
	if err != nil {
		return entities.VoteRequest{}, err
	}
	if err := s.appendEnvelopesLocked(envelopes); err != nil {
		return entities.VoteRequest{}, err
	}
	s.requests[voteID] = updated
	return cloneRequest(updated), nil
}

func (s *Store) ListVoteRequests(_ context.Context, filter ports.VoteFilter) ([]entities.VoteRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]entities.VoteRequest, 0, len(s.requests))
	for _, request := range s.requests {
		if filter.Type != "" && request.Type != filter.Type {
			continue
		}
		if filter.Status != "" && request.Status != filter.Status {
			continue
		}
		if filter.Initiator != "" && request.Initiator != strings.TrimSpace(filter.Initiator) {
			continue
		}
		items = append(items, cloneRequest(request))
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].VoteID < items[j].VoteID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

func (s *Store) FindVoteBySubject(
	_ context.Context,
	voteType entities.VoteType,
	subjectID string,
	status entities.VoteStatus,
) (entities.VoteRequest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest entities.VoteRequest
	found := false
	for _, request := range s.requests {
		if request.Type != voteType || request.SubjectID != strings.TrimSpace(subjectID) {
			continue
		}
		if status != "" && request.Status != status {
			continue
		}
		if !found || request.CreatedAt.After(latest.CreatedAt) {
			latest = request
			found = true
		}
	}
	if !found {
		return entities.VoteRequest{}, false, nil
	}
	return cloneRequest(latest), true, nil
}

func (s *Store) CreateVoteInvite(_ context.Context, invite entities.VoteInvite) (entities.VoteInvite, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := inviteKey{strings.TrimSpace(invite.VoteID), strings.TrimSpace(invite.VotePartitionID)}
	if existing, ok := s.invites[key]; ok {
		return existing, false, nil
	}
	s.invites[key] = invite
	return invite, true, nil
}

func (s *Store) GetVoteInvite(_ context.Context, voteID string, partyID string) (entities.VoteInvite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	invite, ok := s.invites[inviteKey{strings.TrimSpace(voteID), strings.TrimSpace(partyID)}]
	if !ok {
		return entities.VoteInvite{}, domainerrors.ErrInviteNotFound
	}
	return invite, nil
}

func (s *Store) UpdateVoteInvite(
	_ context.Context,
	voteID string,
	partyID string,
	fn func(*entities.VoteInvite) ([]ports.EventEnvelope, error),
) (entities.VoteInvite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := inviteKey{strings.TrimSpace(voteID), strings.TrimSpace(partyID)}
	current, ok := s.invites[key]
	if !ok {
		return entities.VoteInvite{}, domainerrors.ErrInviteNotFound
	}
	updated := current
	envelopes, err := fn(&updated)
	if err != nil {
		return entities.VoteInvite{}, err
	}
	if err := s.appendEnvelopesLocked(envelopes); err != nil {
		return entities.VoteInvite{}, err
	}
	s.invites[key] = updated
	return updated, nil
}

func (s *Store) ListVoteInvites(_ context.Context, voteID string) ([]entities.VoteInvite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]entities.VoteInvite, 0)
	for key, invite := range s.invites {
		if key.voteID == strings.TrimSpace(voteID) {
			items = append(items, invite)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].VotePartitionID < items[j].VotePartitionID })
	return items, nil
}

func (s *Store) ListInvitesByParty(_ context.Context, partyID string, action entities.VoteStatus) ([]entities.VoteInvite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]entities.VoteInvite, 0)
	for key, invite := range s.invites {
		if key.partyID != strings.TrimSpace(partyID) {
			continue
		}
		if action != "" && invite.Action != action {
			continue
		}
		items = append(items, invite)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return items, nil
}

func (s *Store) EnsureExecution(_ context.Context, execution entities.VoteExecution) (entities.VoteExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := inviteKey{strings.TrimSpace(execution.VoteID), strings.TrimSpace(execution.PartyID)}
	if existing, ok := s.executions[key]; ok {
		return existing, nil
	}
	s.executions[key] = execution
	return execution, nil
}

func (s *Store) GetExecution(_ context.Context, voteID string, partyID string) (entities.VoteExecution, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execution, ok := s.executions[inviteKey{strings.TrimSpace(voteID), strings.TrimSpace(partyID)}]
	return execution, ok, nil
}

func (s *Store) UpdateExecution(
	_ context.Context,
	voteID string,
	partyID string,
	fn func(*entities.VoteExecution) error,
) (entities.VoteExecution, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	key := inviteKey{strings.TrimSpace(voteID), strings.TrimSpace(partyID)}
	s.mu.RLock()
	current, ok := s.executions[key]
	s.mu.RUnlock()
	if !ok {
		return entities.VoteExecution{}, domainerrors.ErrExecutionNotFound
	}
	updated := current
	if err := fn(&updated); err != nil {
		return entities.VoteExecution{}, err
	}
	s.mu.Lock()
	s.executions[key] = updated
	s.mu.Unlock()
	return updated, nil
}

func (s *Store) Get(_ context.Context, key string, now time.Time) (ports.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key = strings.TrimSpace(key)
	record, exists := s.idempotency[key]
	if !exists {
		return ports.IdempotencyRecord{}, false, nil
	}
	if !record.ExpiresAt.After(now.UTC()) {
		delete(s.idempotency, key)
		return ports.IdempotencyRecord{}, false, nil
	}
	return record, true, nil
}

func (s *Store) Put(_ context.Context, record ports.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.TrimSpace(record.Key)
	existing, exists := s.idempotency[key]
	if exists {
		if existing.RequestHash != record.RequestHash || existing.VoteID != record.VoteID {
			return domainerrors.ErrIdempotencyKeyConflict
		}
		return nil
	}
	s.idempotency[key] = ports.IdempotencyRecord{
		Key:         key,
		RequestHash: strings.TrimSpace(record.RequestHash),
		VoteID:      strings.TrimSpace(record.VoteID),
		ExpiresAt:   record.ExpiresAt.UTC(),
	}
	return nil
}

func (s *Store) AppendOutbox(_ context.Context, envelope ports.EventEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEnvelopesLocked([]ports.EventEnvelope{envelope})
}

func (s *Store) appendEnvelopesLocked(envelopes []ports.EventEnvelope) error {
	for _, envelope := range envelopes {
		payload, err := json.Marshal(envelope)
		if err != nil {
			return err
		}
		if existing, ok := s.outbox[strings.TrimSpace(envelope.EventID)]; ok {
			if !bytes.Equal(existing.message.Payload, payload) {
				return domainerrors.ErrConflict
			}
			continue
		}
		s.appendOutboxLocked(envelope, payload)
	}
	return nil
}

func (s *Store) appendOutboxLocked(envelope ports.EventEnvelope, payload []byte) {
	outboxID := strings.TrimSpace(envelope.EventID)
	if outboxID == "" {
		outboxID = uuid.NewString()
	}
	createdAt := envelope.OccurredAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	s.outboxSeq++
	s.outbox[outboxID] = outboxRecord{
		message: ports.OutboxMessage{
			OutboxID:     outboxID,
			EventType:    strings.TrimSpace(envelope.EventType),
			PartitionKey: strings.TrimSpace(envelope.PartitionKey),
			Payload:      payload,
			CreatedAt:    createdAt,
		},
		seq: s.outboxSeq,
	}
}

func (s *Store) ListPendingOutbox(_ context.Context, limit int) ([]ports.OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows := make([]outboxRecord, 0, len(s.outbox))
	for _, row := range s.outbox {
		if row.published {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	items := make([]ports.OutboxMessage, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.message)
	}
	return items, nil
}

func (s *Store) MarkOutboxPublished(_ context.Context, outboxID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.outbox[strings.TrimSpace(outboxID)]
	if !ok {
		return domainerrors.ErrConflict
	}
	row.published = true
	s.outbox[strings.TrimSpace(outboxID)] = row
	return nil
}

// PendingOutboxCount is used by tests and the CLI status command.
func (s *Store) PendingOutboxCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, row := range s.outbox {
		if !row.published {
			count++
		}
	}
	return count
}

func (s *Store) ReserveEvent(
	_ context.Context,
	eventID string,
	payloadHash string,
	expiresAt time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.TrimSpace(eventID)
	existing, ok := s.eventDedup[key]
	if ok {
		if !existing.expiresAt.IsZero() && time.Now().UTC().After(existing.expiresAt.UTC()) {
			delete(s.eventDedup, key)
		} else {
			if existing.payloadHash != strings.TrimSpace(payloadHash) {
				return false, domainerrors.ErrConflict
			}
			return true, nil
		}
	}

	s.eventDedup[key] = dedupRecord{
		payloadHash: strings.TrimSpace(payloadHash),
		expiresAt:   expiresAt.UTC(),
	}
	return false, nil
}

func (s *Store) ReleaseEvent(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.eventDedup, strings.TrimSpace(eventID))
	return nil
}

func (s *Store) Now() time.Time {
	return time.Now().UTC()
}

func (s *Store) NewID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

func cloneRequest(request entities.VoteRequest) entities.VoteRequest {
	request.Voters = append([]string(nil), request.Voters...)
	request.Executors = append([]string(nil), request.Executors...)
	request.PartyVoteInfos = append([]entities.PartyVoteInfo(nil), request.PartyVoteInfos...)
	return request
}
