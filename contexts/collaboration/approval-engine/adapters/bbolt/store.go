// Package boltadapter keeps a node's approval ledger in an embedded bbolt
// file. It is meant for single-process deployments without postgres.
package boltadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
	domainerrors "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/errors"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"

	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

var (
	bucketRequests    = []byte("vote_requests")
	bucketInvites     = []byte("vote_invites")
	bucketExecutions  = []byte("vote_executions")
	bucketOutbox      = []byte("outbox")
	bucketOutboxIndex = []byte("outbox_index")
	bucketDedup       = []byte("event_dedup")
	bucketIdempotency = []byte("idempotency")
	bucketRoutes      = []byte("routes")
	bucketProjects    = []byte("projects")
	bucketReleases    = []byte("releases")

	allBuckets = [][]byte{
		bucketRequests, bucketInvites, bucketExecutions, bucketOutbox, bucketOutboxIndex,
		bucketDedup, bucketIdempotency, bucketRoutes, bucketProjects, bucketReleases,
	}
)

const keySeparator = "\x00"

type outboxRow struct {
	Message   ports.OutboxMessage
	Published bool
}

type dedupRow struct {
	PayloadHash string
	ExpiresAt   time.Time
}

// Store implements the ledger, execution, outbox, dedup, idempotency and
// actuator ports on top of one bbolt file.
type Store struct {
	bolt *bbolt.DB
	// execMu serializes UpdateExecution callbacks. They may call the
	// actuators, which open their own write transactions.
	execMu sync.Mutex
}

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, xerrors.Errorf("failed to open db: %v", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return xerrors.Errorf("failed to create bucket '%s': %v", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{bolt: db}, nil
}

func (s *Store) Close() error {
	return s.bolt.Close()
}

func (s *Store) CreateVote(_ context.Context, vote ports.NewVote) error {
	voteID := strings.TrimSpace(vote.Request.VoteID)
	if voteID == "" {
		return domainerrors.ErrInvalidInput
	}
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		requests := tx.Bucket(bucketRequests)
		if requests.Get([]byte(voteID)) != nil {
			return domainerrors.ErrConflict
		}
		invites := tx.Bucket(bucketInvites)
		for _, invite := range vote.Invites {
			if invites.Get(pairKey(invite.VoteID, invite.VotePartitionID)) != nil {
				return domainerrors.ErrConflict
			}
		}
		if err := putJSON(requests, []byte(voteID), vote.Request); err != nil {
			return err
		}
		for _, invite := range vote.Invites {
			if err := putJSON(invites, pairKey(invite.VoteID, invite.VotePartitionID), invite); err != nil {
				return err
			}
		}
		executions := tx.Bucket(bucketExecutions)
		for _, execution := range vote.Executions {
			key := pairKey(execution.VoteID, execution.PartyID)
			if executions.Get(key) != nil {
				continue
			}
			if err := putJSON(executions, key, execution); err != nil {
				return err
			}
		}
		return appendOutbox(tx, vote.Outbox)
	})
}

func (s *Store) GetVoteRequest(_ context.Context, voteID string) (entities.VoteRequest, error) {
	var request entities.VoteRequest
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketRequests).Get([]byte(strings.TrimSpace(voteID)))
		if raw == nil {
			return domainerrors.ErrVoteNotFound
		}
		return decode(raw, &request)
	})
	return request, err
}

func (s *Store) EnsureVoteRequest(_ context.Context, request entities.VoteRequest) (entities.VoteRequest, bool, error) {
	created := false
	stored := request
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRequests)
		key := []byte(strings.TrimSpace(request.VoteID))
		if raw := bucket.Get(key); raw != nil {
			return decode(raw, &stored)
		}
		created = true
		return putJSON(bucket, key, request)
	})
	return stored, created, err
}

func (s *Store) UpdateVoteRequest(
	_ context.Context,
	voteID string,
	fn func(*entities.VoteRequest) ([]ports.EventEnvelope, error),
) (entities.VoteRequest, error) {
	var updated entities.VoteRequest
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRequests)
		key := []byte(strings.TrimSpace(voteID))
		raw := bucket.Get(key)
		if raw == nil {
			return domainerrors.ErrVoteNotFound
		}
		if err := decode(raw, &updated); err != nil {
			return err
		}
		envelopes, err := fn(&updated)
		if err != nil {
			return err
		}
		if err := putJSON(bucket, key, updated); err != nil {
			return err
		}
		return appendOutbox(tx, envelopes)
	})
	if err != nil {
		return entities.VoteRequest{}, err
	}
	return updated, nil
}

func (s *Store) ListVoteRequests(_ context.Context, filter ports.VoteFilter) ([]entities.VoteRequest, error) {
	items := make([]entities.VoteRequest, 0)
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(_, raw []byte) error {
			var request entities.VoteRequest
			if err := decode(raw, &request); err != nil {
				return err
			}
			if filter.Type != "" && request.Type != filter.Type {
				return nil
			}
			if filter.Status != "" && request.Status != filter.Status {
				return nil
			}
			if filter.Initiator != "" && request.Initiator != strings.TrimSpace(filter.Initiator) {
				return nil
			}
			items = append(items, request)
			return nil
		})
	})
	if err != nil {
		return nil, err
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
	ctx context.Context,
	voteType entities.VoteType,
	subjectID string,
	status entities.VoteStatus,
) (entities.VoteRequest, bool, error) {
	items, err := s.ListVoteRequests(ctx, ports.VoteFilter{Type: voteType, Status: status})
	if err != nil {
		return entities.VoteRequest{}, false, err
	}
	for _, request := range items {
		if request.SubjectID == strings.TrimSpace(subjectID) {
			return request, true, nil
		}
	}
	return entities.VoteRequest{}, false, nil
}

func (s *Store) CreateVoteInvite(_ context.Context, invite entities.VoteInvite) (entities.VoteInvite, bool, error) {
	created := false
	stored := invite
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketInvites)
		key := pairKey(invite.VoteID, invite.VotePartitionID)
		if raw := bucket.Get(key); raw != nil {
			return decode(raw, &stored)
		}
		created = true
		return putJSON(bucket, key, invite)
	})
	return stored, created, err
}

func (s *Store) GetVoteInvite(_ context.Context, voteID string, partyID string) (entities.VoteInvite, error) {
	var invite entities.VoteInvite
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketInvites).Get(pairKey(voteID, partyID))
		if raw == nil {
			return domainerrors.ErrInviteNotFound
		}
		return decode(raw, &invite)
	})
	return invite, err
}

func (s *Store) UpdateVoteInvite(
	_ context.Context,
	voteID string,
	partyID string,
	fn func(*entities.VoteInvite) ([]ports.EventEnvelope, error),
) (entities.VoteInvite, error) {
	var updated entities.VoteInvite
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketInvites)
		key := pairKey(voteID, partyID)
		raw := bucket.Get(key)
		if raw == nil {
			return domainerrors.ErrInviteNotFound
		}
		if err := decode(raw, &updated); err != nil {
			return err
		}
		envelopes, err := fn(&updated)
		if err != nil {
			return err
		}
		if err := putJSON(bucket, key, updated); err != nil {
			return err
		}
		return appendOutbox(tx, envelopes)
	})
	if err != nil {
		return entities.VoteInvite{}, err
	}
	return updated, nil
}

func (s *Store) ListVoteInvites(_ context.Context, voteID string) ([]entities.VoteInvite, error) {
	items := make([]entities.VoteInvite, 0)
	prefix := []byte(strings.TrimSpace(voteID) + keySeparator)
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketInvites).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var invite entities.VoteInvite
			if err := decode(v, &invite); err != nil {
				return err
			}
			items = append(items, invite)
		}
		return nil
	})
	return items, err
}

func (s *Store) ListInvitesByParty(_ context.Context, partyID string, action entities.VoteStatus) ([]entities.VoteInvite, error) {
	items := make([]entities.VoteInvite, 0)
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInvites).ForEach(func(_, raw []byte) error {
			var invite entities.VoteInvite
			if err := decode(raw, &invite); err != nil {
				return err
			}
			if invite.VotePartitionID != strings.TrimSpace(partyID) {
				return nil
			}
			if action != "" && invite.Action != action {
				return nil
			}
			items = append(items, invite)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return items, nil
}

func (s *Store) EnsureExecution(_ context.Context, execution entities.VoteExecution) (entities.VoteExecution, error) {
	stored := execution
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketExecutions)
		key := pairKey(execution.VoteID, execution.PartyID)
		if raw := bucket.Get(key); raw != nil {
			return decode(raw, &stored)
		}
		return putJSON(bucket, key, execution)
	})
	return stored, err
}

func (s *Store) GetExecution(_ context.Context, voteID string, partyID string) (entities.VoteExecution, bool, error) {
	var execution entities.VoteExecution
	found := false
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketExecutions).Get(pairKey(voteID, partyID))
		if raw == nil {
			return nil
		}
		found = true
		return decode(raw, &execution)
	})
	return execution, found, err
}

func (s *Store) UpdateExecution(
	ctx context.Context,
	voteID string,
	partyID string,
	fn func(*entities.VoteExecution) error,
) (entities.VoteExecution, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	execution, found, err := s.GetExecution(ctx, voteID, partyID)
	if err != nil {
		return entities.VoteExecution{}, err
	}
	if !found {
		return entities.VoteExecution{}, domainerrors.ErrExecutionNotFound
	}
	if err := fn(&execution); err != nil {
		return entities.VoteExecution{}, err
	}
	err = s.bolt.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketExecutions), pairKey(voteID, partyID), execution)
	})
	if err != nil {
		return entities.VoteExecution{}, err
	}
	return execution, nil
}

func (s *Store) Get(_ context.Context, key string, now time.Time) (ports.IdempotencyRecord, bool, error) {
	var record ports.IdempotencyRecord
	found := false
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketIdempotency)
		raw := bucket.Get([]byte(strings.TrimSpace(key)))
		if raw == nil {
			return nil
		}
		if err := decode(raw, &record); err != nil {
			return err
		}
		if !record.ExpiresAt.After(now.UTC()) {
			return bucket.Delete([]byte(strings.TrimSpace(key)))
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return ports.IdempotencyRecord{}, false, err
	}
	return record, true, nil
}

func (s *Store) Put(_ context.Context, record ports.IdempotencyRecord) error {
	record.Key = strings.TrimSpace(record.Key)
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketIdempotency)
		if raw := bucket.Get([]byte(record.Key)); raw != nil {
			var existing ports.IdempotencyRecord
			if err := decode(raw, &existing); err != nil {
				return err
			}
			if existing.RequestHash != record.RequestHash || existing.VoteID != record.VoteID {
				return domainerrors.ErrIdempotencyKeyConflict
			}
			return nil
		}
		return putJSON(bucket, []byte(record.Key), record)
	})
}

func (s *Store) AppendOutbox(_ context.Context, envelope ports.EventEnvelope) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return appendOutbox(tx, []ports.EventEnvelope{envelope})
	})
}

// appendOutbox keys rows by the zero-padded bucket sequence so the relay reads
// them in insertion order. The index bucket maps event ids to sequence keys.
func appendOutbox(tx *bbolt.Tx, envelopes []ports.EventEnvelope) error {
	outbox := tx.Bucket(bucketOutbox)
	index := tx.Bucket(bucketOutboxIndex)
	for _, envelope := range envelopes {
		payload, err := json.Marshal(envelope)
		if err != nil {
			return xerrors.Errorf("failed to encode envelope: %v", err)
		}
		eventID := []byte(strings.TrimSpace(envelope.EventID))
		if seqKey := index.Get(eventID); seqKey != nil {
			var existing outboxRow
			if err := decode(outbox.Get(seqKey), &existing); err != nil {
				return err
			}
			if !bytes.Equal(existing.Message.Payload, payload) {
				return domainerrors.ErrConflict
			}
			continue
		}
		seq, err := outbox.NextSequence()
		if err != nil {
			return xerrors.Errorf("failed to allocate outbox sequence: %v", err)
		}
		seqKey := []byte(fmt.Sprintf("%016x", seq))
		row := outboxRow{Message: ports.OutboxMessage{
			OutboxID:     string(seqKey),
			EventType:    strings.TrimSpace(envelope.EventType),
			PartitionKey: strings.TrimSpace(envelope.PartitionKey),
			Payload:      payload,
			CreatedAt:    envelope.OccurredAt.UTC(),
		}}
		if err := putJSON(outbox, seqKey, row); err != nil {
			return err
		}
		if err := index.Put(eventID, seqKey); err != nil {
			return xerrors.Errorf("failed to index outbox row: %v", err)
		}
	}
	return nil
}

func (s *Store) ListPendingOutbox(_ context.Context, limit int) ([]ports.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	items := make([]ports.OutboxMessage, 0)
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketOutbox).Cursor()
		for k, v := cursor.First(); k != nil && len(items) < limit; k, v = cursor.Next() {
			var row outboxRow
			if err := decode(v, &row); err != nil {
				return err
			}
			if !row.Published {
				items = append(items, row.Message)
			}
		}
		return nil
	})
	return items, err
}

func (s *Store) MarkOutboxPublished(_ context.Context, outboxID string, _ time.Time) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOutbox)
		raw := bucket.Get([]byte(outboxID))
		if raw == nil {
			return domainerrors.ErrConflict
		}
		var row outboxRow
		if err := decode(raw, &row); err != nil {
			return err
		}
		row.Published = true
		return putJSON(bucket, []byte(outboxID), row)
	})
}

func (s *Store) ReserveEvent(_ context.Context, eventID string, payloadHash string, expiresAt time.Time) (bool, error) {
	already := false
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDedup)
		key := []byte(strings.TrimSpace(eventID))
		if raw := bucket.Get(key); raw != nil {
			var existing dedupRow
			if err := decode(raw, &existing); err != nil {
				return err
			}
			if existing.ExpiresAt.IsZero() || time.Now().UTC().Before(existing.ExpiresAt) {
				if existing.PayloadHash != strings.TrimSpace(payloadHash) {
					return domainerrors.ErrConflict
				}
				already = true
				return nil
			}
		}
		return putJSON(bucket, key, dedupRow{PayloadHash: strings.TrimSpace(payloadHash), ExpiresAt: expiresAt.UTC()})
	})
	return already, err
}

func (s *Store) ReleaseEvent(_ context.Context, eventID string) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDedup).Delete([]byte(strings.TrimSpace(eventID)))
	})
}

func pairKey(voteID string, partyID string) []byte {
	return []byte(strings.TrimSpace(voteID) + keySeparator + strings.TrimSpace(partyID))
}

func putJSON(bucket *bbolt.Bucket, key []byte, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return xerrors.Errorf("failed to encode value: %v", err)
	}
	if err := bucket.Put(key, raw); err != nil {
		return xerrors.Errorf("failed to write key: %v", err)
	}
	return nil
}

func decode(raw []byte, target any) error {
	if err := json.Unmarshal(raw, target); err != nil {
		return xerrors.Errorf("failed to decode value: %v", err)
	}
	return nil
}
