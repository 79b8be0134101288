package boltadapter

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
	domainerrors "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/errors"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "approval.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func envelope(eventID string, target string) ports.EventEnvelope {
	return ports.EventEnvelope{
		EventID:      eventID,
		EventType:    "approval.vote.invited",
		OccurredAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		PartitionKey: target,
		Data:         json.RawMessage(`{"vote_id":"v1"}`),
	}
}

func newVote(voteID string) ports.NewVote {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return ports.NewVote{
		Request: entities.VoteRequest{
			VoteID:      voteID,
			Type:        entities.VoteTypeNodeRoute,
			Initiator:   "alice",
			Voters:      []string{"bob"},
			Executors:   []string{"alice", "bob"},
			VoteCounter: "alice",
			Status:      entities.VoteStatusReviewing,
			SubjectID:   "alice:bob",
			CreatedAt:   now,
		},
		Invites: []entities.VoteInvite{{
			VoteID:          voteID,
			VotePartitionID: "bob",
			Initiator:       "alice",
			Type:            entities.VoteTypeNodeRoute,
			Action:          entities.VoteStatusReviewing,
			CreatedAt:       now,
		}},
		Executions: []entities.VoteExecution{{
			VoteID:        voteID,
			PartyID:       "alice",
			ExecuteStatus: entities.ExecuteStatusCommitted,
		}},
		Outbox: []ports.EventEnvelope{envelope(voteID+"-invite", "bob")},
	}
}

func TestCreateVoteIsAtomic(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateVote(ctx, newVote("v1")))
	require.ErrorIs(t, store.CreateVote(ctx, newVote("v1")), domainerrors.ErrConflict)

	request, err := store.GetVoteRequest(ctx, "v1")
	require.NoError(t, err)
	require.Equal(t, "alice:bob", request.SubjectID)

	invites, err := store.ListVoteInvites(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, invites, 1)

	execution, found, err := store.GetExecution(ctx, "v1", "alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, entities.ExecuteStatusCommitted, execution.ExecuteStatus)

	pending, err := store.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "bob", pending[0].PartitionKey)

	found2, ok, err := store.FindVoteBySubject(ctx, entities.VoteTypeNodeRoute, "alice:bob", entities.VoteStatusReviewing)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", found2.VoteID)

	_, err = store.GetVoteRequest(ctx, "missing")
	require.ErrorIs(t, err, domainerrors.ErrVoteNotFound)
}

func TestUpdateVoteRequestRollsBackOnError(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateVote(ctx, newVote("v1")))

	_, err := store.UpdateVoteRequest(ctx, "v1", func(request *entities.VoteRequest) ([]ports.EventEnvelope, error) {
		request.Status = entities.VoteStatusApproved
		return nil, domainerrors.ErrStatusConflict
	})
	require.ErrorIs(t, err, domainerrors.ErrStatusConflict)

	request, err := store.GetVoteRequest(ctx, "v1")
	require.NoError(t, err)
	require.Equal(t, entities.VoteStatusReviewing, request.Status)

	updated, err := store.UpdateVoteRequest(ctx, "v1", func(request *entities.VoteRequest) ([]ports.EventEnvelope, error) {
		request.Status = entities.VoteStatusApproved
		return []ports.EventEnvelope{envelope("decided-bob", "bob")}, nil
	})
	require.NoError(t, err)
	require.Equal(t, entities.VoteStatusApproved, updated.Status)

	pending, err := store.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestOutboxOrderAndPublish(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, store.AppendOutbox(ctx, envelope(id, "bob")))
	}
	require.NoError(t, store.AppendOutbox(ctx, envelope("e2", "bob")))

	conflicting := envelope("e2", "carol")
	require.ErrorIs(t, store.AppendOutbox(ctx, conflicting), domainerrors.ErrConflict)

	pending, err := store.ListPendingOutbox(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.NoError(t, store.MarkOutboxPublished(ctx, pending[0].OutboxID, time.Now()))

	pending, err = store.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	var first ports.EventEnvelope
	require.NoError(t, json.Unmarshal(pending[0].Payload, &first))
	require.Equal(t, "e2", first.EventID)

	require.ErrorIs(t, store.MarkOutboxPublished(ctx, "unknown", time.Now()), domainerrors.ErrConflict)
}

func TestReserveAndReleaseEvent(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	already, err := store.ReserveEvent(ctx, "evt-1", "hash", expires)
	require.NoError(t, err)
	require.False(t, already)

	already, err = store.ReserveEvent(ctx, "evt-1", "hash", expires)
	require.NoError(t, err)
	require.True(t, already)

	_, err = store.ReserveEvent(ctx, "evt-1", "other", expires)
	require.ErrorIs(t, err, domainerrors.ErrConflict)

	require.NoError(t, store.ReleaseEvent(ctx, "evt-1"))
	already, err = store.ReserveEvent(ctx, "evt-1", "other", expires)
	require.NoError(t, err)
	require.False(t, already)

	already, err = store.ReserveEvent(ctx, "evt-2", "hash", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.False(t, already)
	already, err = store.ReserveEvent(ctx, "evt-2", "hash", expires)
	require.NoError(t, err)
	require.False(t, already, "expired reservations are replaced")
}

func TestIdempotencyRecords(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	record := ports.IdempotencyRecord{Key: "k1", RequestHash: "h1", VoteID: "v1", ExpiresAt: now.Add(time.Hour)}

	require.NoError(t, store.Put(ctx, record))
	require.NoError(t, store.Put(ctx, record))

	conflicting := record
	conflicting.RequestHash = "h2"
	require.ErrorIs(t, store.Put(ctx, conflicting), domainerrors.ErrIdempotencyKeyConflict)

	got, found, err := store.Get(ctx, "k1", now)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", got.VoteID)

	_, found, err = store.Get(ctx, "k1", now.Add(2*time.Hour))
	require.NoError(t, err)
	require.False(t, found)
}

func TestUpdateExecutionCanCallActuators(t *testing.T) {
	store := openStore(t)
	actuators := NewActuators(store, nil)
	ctx := context.Background()

	_, err := store.UpdateExecution(ctx, "v1", "bob", func(*entities.VoteExecution) error { return nil })
	require.ErrorIs(t, err, domainerrors.ErrExecutionNotFound)

	_, err = store.EnsureExecution(ctx, entities.VoteExecution{VoteID: "v1", PartyID: "bob", ExecuteStatus: entities.ExecuteStatusCommitted})
	require.NoError(t, err)

	execution, err := store.UpdateExecution(ctx, "v1", "bob", func(execution *entities.VoteExecution) error {
		if err := actuators.CreateRoute(ctx, entities.RouteAction{SrcPartyID: "alice", DstPartyID: "bob"}); err != nil {
			return err
		}
		execution.ExecuteStatus = entities.ExecuteStatusSuccess
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, entities.ExecuteStatusSuccess, execution.ExecuteStatus)

	exists, err := actuators.RouteExists(ctx, "alice", "bob")
	require.NoError(t, err)
	require.True(t, exists)

	ensured, err := store.EnsureExecution(ctx, entities.VoteExecution{VoteID: "v1", PartyID: "bob", ExecuteStatus: entities.ExecuteStatusCommitted})
	require.NoError(t, err)
	require.Equal(t, entities.ExecuteStatusSuccess, ensured.ExecuteStatus)
}

type countingPuller struct {
	calls int
	err   error
}

func (p *countingPuller) Pull(context.Context, entities.TeeDownloadAction) error {
	p.calls++
	return p.err
}

func TestProjectLifecycleAndReleases(t *testing.T) {
	store := openStore(t)
	puller := &countingPuller{err: errors.New("secure node offline")}
	actuators := NewActuators(store, puller)
	ctx := context.Background()

	require.NoError(t, actuators.SaveProject(ctx, entities.Project{
		ProjectID: "p1",
		Name:      "joint",
		Owner:     "alice",
		Members:   []string{"alice", "bob", "carol"},
		Status:    entities.ProjectStatusApproved,
	}))
	removed, err := actuators.DeleteMemberships(ctx, "p1", []string{"bob", "carol", "dave"})
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	changed, err := actuators.MarkArchived(ctx, "p1")
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = actuators.MarkArchived(ctx, "p1")
	require.NoError(t, err)
	require.False(t, changed)

	project, found, err := actuators.GetProject(ctx, "p1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, entities.ProjectStatusArchived, project.Status)
	require.Equal(t, []string{"alice"}, project.Members)

	release := entities.TeeDownloadAction{ProjectID: "p1", ResourceID: "r1", TeeNodeID: "tee", Requester: "alice"}
	require.Error(t, actuators.PullResultFromSecureNode(ctx, release))

	puller.err = nil
	require.NoError(t, actuators.PullResultFromSecureNode(ctx, release))
	require.NoError(t, actuators.PullResultFromSecureNode(ctx, release))
	require.Equal(t, 2, puller.calls)
}
