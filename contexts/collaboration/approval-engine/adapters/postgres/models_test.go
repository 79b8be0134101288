package postgresadapter

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
	domainerrors "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/errors"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestVoteRequestModelKeepsListsAndReplies(t *testing.T) {
	request := entities.VoteRequest{
		VoteID:            "v1",
		Type:              entities.VoteTypeProjectCreate,
		Initiator:         "alice",
		Voters:            []string{"bob", "carol"},
		Executors:         []string{"alice", "bob", "carol"},
		VoteCounter:       "alice",
		ApprovedThreshold: 2,
		Status:            entities.VoteStatusReviewing,
		PartyVoteInfos:    []entities.PartyVoteInfo{{PartyID: "bob", Action: entities.VoteStatusApproved, Reason: "ok"}},
		RequestMsg:        "{}",
		Desc:              "joint model",
		SubjectID:         "p1",
		CreatedAt:         time.Date(2026, 3, 1, 8, 0, 0, 0, time.FixedZone("CST", 8*3600)),
	}
	model, err := voteRequestModelFromEntity(request)
	if err != nil {
		t.Fatalf("to model: %v", err)
	}
	if model.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected timestamps stored in UTC")
	}
	back, err := model.toEntity()
	if err != nil {
		t.Fatalf("to entity: %v", err)
	}
	if len(back.Voters) != 2 || len(back.Executors) != 3 || back.Desc != "joint model" {
		t.Fatalf("unexpected entity %+v", back)
	}
	info, ok := back.PartyInfo("bob")
	if !ok || info.Action != entities.VoteStatusApproved || info.Reason != "ok" {
		t.Fatalf("expected bob's reply to survive, got %+v", back.PartyVoteInfos)
	}

	model.Voters = "not json"
	if _, err := model.toEntity(); err == nil {
		t.Fatalf("expected corrupted voters column to fail")
	}
}

func TestDomainOrLogClassification(t *testing.T) {
	repo := NewRepository(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	wrapped := callbackError{err: domainerrors.ErrStatusConflict}
	if err := repo.domainOrLog("test", fmt.Errorf("tx: %w", wrapped)); !errors.Is(err, domainerrors.ErrStatusConflict) {
		t.Fatalf("callback errors must pass through, got %v", err)
	}
	if err := repo.domainOrLog("test", &pgconn.PgError{Code: "23505"}); !errors.Is(err, domainerrors.ErrConflict) {
		t.Fatalf("unique violations map to conflict, got %v", err)
	}
	if isUniqueViolation(&pgconn.PgError{Code: "40001"}) {
		t.Fatalf("serialization failures are not unique violations")
	}
	other := errors.New("connection refused")
	if err := repo.domainOrLog("test", other); err != other {
		t.Fatalf("infrastructure errors are returned as is, got %v", err)
	}
	if len(Models()) != 10 {
		t.Fatalf("expected every table in the migration list")
	}
}
