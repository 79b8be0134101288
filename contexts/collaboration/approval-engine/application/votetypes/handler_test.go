package votetypes_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/adapters/memory"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/application/votetypes"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
	domainerrors "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/errors"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/services"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
)

type fixture struct {
	store     *memory.Store
	actuators *memory.Actuators
	registry  votetypes.Registry
}

func newFixture() fixture {
	store := memory.NewStore()
	actuators := memory.NewActuators()
	base := votetypes.Base{
		Ledger:    store,
		Directory: memory.NewDirectory(map[string]string{"alice": "Alice", "bob": "Bob", "carol": "Carol"}),
		IDGen:     store,
	}
	return fixture{
		store:     store,
		actuators: actuators,
		registry:  votetypes.NewDefaultRegistry(base, actuators, actuators, actuators),
	}
}

func (f fixture) create(t *testing.T, voteType entities.VoteType, voteID string, proposer string, params string) entities.VoteRequest {
	t.Helper()
	handler, err := f.registry.Handler(voteType)
	if err != nil {
		t.Fatalf("handler lookup: %v", err)
	}
	request, err := handler.CreateApproval(context.Background(), votetypes.ApprovalInput{
		VoteID:   voteID,
		Proposer: proposer,
		Params:   json.RawMessage(params),
		Now:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}
	return request
}

func (f fixture) seedProject(t *testing.T, project entities.Project) {
	t.Helper()
	if err := f.actuators.SaveProject(context.Background(), project); err != nil {
		t.Fatalf("seed project: %v", err)
	}
}

func TestRegistryTypes(t *testing.T) {
	f := newFixture()
	types := f.registry.Types()
	want := []entities.VoteType{
		entities.VoteTypeNodeRoute,
		entities.VoteTypeProjectArchive,
		entities.VoteTypeProjectCreate,
		entities.VoteTypeTeeDownload,
	}
	if len(types) != len(want) {
		t.Fatalf("expected %d types, got %v", len(want), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, types)
		}
	}
	if _, err := f.registry.Handler(" NODE_ROUTE "); err != nil {
		t.Fatalf("lookup should trim the type: %v", err)
	}
	if _, err := f.registry.Handler("GRANT_BUDGET"); !errors.Is(err, domainerrors.ErrUnknownVoteType) {
		t.Fatalf("expected unknown vote type, got %v", err)
	}
}

func TestCreateApprovalPersistsRequestInvitesAndMessages(t *testing.T) {
	f := newFixture()
	request := f.create(t, entities.VoteTypeProjectCreate, "v1", "alice",
		`{"projectId":"p1","name":"fraud model","members":["carol","bob","bob"," "]}`)

	if request.Status != entities.VoteStatusReviewing || request.VoteCounter != "alice" {
		t.Fatalf("unexpected request %+v", request)
	}
	if len(request.Voters) != 2 || request.Voters[0] != "bob" || request.Voters[1] != "carol" {
		t.Fatalf("expected sorted unique voters, got %v", request.Voters)
	}
	if len(request.Executors) != 3 {
		t.Fatalf("expected owner among executors, got %v", request.Executors)
	}

	envelope, err := services.DecodeEnvelope(request.RequestMsg)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.VoteRequestID != "v1" || envelope.ApprovedThreshold != 2 || envelope.Type != string(entities.VoteTypeProjectCreate) {
		t.Fatalf("unexpected envelope %+v", envelope)
	}
	rejected, err := envelope.ActionFor(entities.VoteStatusRejected)
	if err != nil || rejected.Kind != services.ActionKindProjectArchive {
		t.Fatalf("rejected creation must archive, got %+v %v", rejected, err)
	}

	invites, err := f.store.ListVoteInvites(context.Background(), "v1")
	if err != nil || len(invites) != 2 {
		t.Fatalf("expected two invites, got %d %v", len(invites), err)
	}
	if f.store.PendingOutboxCount() != 2 {
		t.Fatalf("expected one invite message per voter, got %d", f.store.PendingOutboxCount())
	}
	execution, found, err := f.store.GetExecution(context.Background(), "v1", "alice")
	if err != nil || !found || execution.ExecuteStatus != entities.ExecuteStatusCommitted {
		t.Fatalf("expected committed initiator execution, got %+v %v %v", execution, found, err)
	}
}

func TestProjectCreatePrechecks(t *testing.T) {
	f := newFixture()
	f.seedProject(t, entities.Project{ProjectID: "taken", Name: "x", Owner: "bob", Members: []string{"bob"}, Status: entities.ProjectStatusApproved})
	handler, _ := f.registry.Handler(entities.VoteTypeProjectCreate)

	cases := []struct {
		name   string
		params string
		want   error
	}{
		{"missing name", `{"projectId":"p1","members":["bob"]}`, domainerrors.ErrInvalidInput},
		{"only owner", `{"projectId":"p1","name":"solo","members":["alice"]}`, domainerrors.ErrNoVoters},
		{"unknown member", `{"projectId":"p1","name":"n","members":["mallory"]}`, domainerrors.ErrUnknownParty},
		{"existing project", `{"projectId":"taken","name":"n","members":["bob"]}`, domainerrors.ErrProjectAlreadyExists},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := handler.Precheck(context.Background(), "alice", json.RawMessage(tc.params))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	f.create(t, entities.VoteTypeProjectCreate, "v1", "alice", `{"projectId":"p1","name":"n","members":["bob"]}`)
	err := handler.Precheck(context.Background(), "carol", json.RawMessage(`{"projectId":"p1","name":"n","members":["bob"]}`))
	if !errors.Is(err, domainerrors.ErrVoteUnderReview) {
		t.Fatalf("expected vote under review, got %v", err)
	}
}

func TestProjectArchivePrechecks(t *testing.T) {
	f := newFixture()
	f.seedProject(t, entities.Project{ProjectID: "live", Name: "live", Owner: "alice", Members: []string{"alice", "bob"}, Status: entities.ProjectStatusApproved})
	f.seedProject(t, entities.Project{ProjectID: "gone", Name: "gone", Owner: "alice", Members: []string{"alice", "bob"}, Status: entities.ProjectStatusArchived})
	f.seedProject(t, entities.Project{ProjectID: "solo", Name: "solo", Owner: "alice", Members: []string{"alice"}, Status: entities.ProjectStatusApproved})
	handler, _ := f.registry.Handler(entities.VoteTypeProjectArchive)

	cases := []struct {
		proposer string
		params   string
		want     error
	}{
		{"alice", `{}`, domainerrors.ErrInvalidInput},
		{"alice", `{"projectId":"missing"}`, domainerrors.ErrProjectNotFound},
		{"alice", `{"projectId":"gone"}`, domainerrors.ErrProjectArchived},
		{"carol", `{"projectId":"live"}`, domainerrors.ErrNotProjectMember},
		{"alice", `{"projectId":"solo"}`, domainerrors.ErrNoVoters},
		{"alice", `{"projectId":"live"}`, nil},
	}
	for _, tc := range cases {
		err := handler.Precheck(context.Background(), tc.proposer, json.RawMessage(tc.params))
		if tc.want == nil && err != nil {
			t.Fatalf("%s %s: unexpected error %v", tc.proposer, tc.params, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s %s: expected %v, got %v", tc.proposer, tc.params, tc.want, err)
		}
	}
}

func TestTeeDownloadPrechecksAndFilter(t *testing.T) {
	f := newFixture()
	f.seedProject(t, entities.Project{ProjectID: "p3", Name: "tee", Owner: "alice", Members: []string{"alice", "bob"}, Status: entities.ProjectStatusApproved})
	handler, _ := f.registry.Handler(entities.VoteTypeTeeDownload)

	err := handler.Precheck(context.Background(), "bob", json.RawMessage(`{"projectId":"p3","resourceId":"r1"}`))
	if !errors.Is(err, domainerrors.ErrInvalidInput) {
		t.Fatalf("expected tee node to be required, got %v", err)
	}
	err = handler.Precheck(context.Background(), "carol", json.RawMessage(`{"projectId":"p3","resourceId":"r1","teeNodeId":"tee"}`))
	if !errors.Is(err, domainerrors.ErrNotProjectMember) {
		t.Fatalf("expected not project member, got %v", err)
	}

	request := f.create(t, entities.VoteTypeTeeDownload, "v1", "bob", `{"projectId":"p3","resourceId":"r1","teeNodeId":"tee"}`)
	if request.SubjectID != "p3/r1" || len(request.Voters) != 1 || request.Voters[0] != "alice" {
		t.Fatalf("unexpected request %+v", request)
	}
	for party, want := range map[string]bool{"bob": true, "alice": false} {
		apply, err := handler.ShouldApply(party, entities.VoteStatusApproved, request)
		if err != nil || apply != want {
			t.Fatalf("%s: expected apply=%v, got %v %v", party, want, apply, err)
		}
	}
	if err := handler.ApplyRejected(context.Background(), "bob", request); err != nil {
		t.Fatalf("rejection must be a no-op: %v", err)
	}
	if len(f.actuators.Releases()) != 0 {
		t.Fatalf("rejection must not release results")
	}
	if err := handler.ApplyApproved(context.Background(), "bob", request); err != nil {
		t.Fatalf("apply approved: %v", err)
	}
	if releases := f.actuators.Releases(); len(releases) != 1 || releases[0].ResourceID != "r1" {
		t.Fatalf("expected one release of r1, got %+v", releases)
	}
}

func TestRouteApplyIsIdempotent(t *testing.T) {
	f := newFixture()
	handler, _ := f.registry.Handler(entities.VoteTypeNodeRoute)
	request := f.create(t, entities.VoteTypeNodeRoute, "v1", "alice", `{"dstPartyId":"bob","srcNetAddress":"a:1","dstNetAddress":"b:1"}`)
	if request.SubjectID != "alice:bob" {
		t.Fatalf("unexpected subject %s", request.SubjectID)
	}

	if err := handler.Precheck(context.Background(), "bob", json.RawMessage(`{"dstPartyId":"alice"}`)); !errors.Is(err, domainerrors.ErrVoteUnderReview) {
		t.Fatalf("reverse route must be blocked while under review, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := handler.ApplyApproved(context.Background(), "bob", request); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	if f.actuators.Calls() != 1 {
		t.Fatalf("expected a single route creation, got %d", f.actuators.Calls())
	}
	apply, err := handler.ShouldApply("carol", entities.VoteStatusApproved, request)
	if err != nil || apply {
		t.Fatalf("carol is not on the route, got %v %v", apply, err)
	}
}

func TestPartyStatusViewUsesDirectoryNames(t *testing.T) {
	f := newFixture()
	handler, _ := f.registry.Handler(entities.VoteTypeNodeRoute)
	request := f.create(t, entities.VoteTypeNodeRoute, "v1", "alice", `{"dstPartyId":"bob"}`)

	if _, err := f.store.UpdateVoteRequest(context.Background(), request.VoteID, func(r *entities.VoteRequest) ([]ports.EventEnvelope, error) {
		r.SetPartyInfo(entities.PartyVoteInfo{PartyID: "bob", Action: entities.VoteStatusRejected, Reason: "no"})
		return nil, nil
	}); err != nil {
		t.Fatalf("record reply: %v", err)
	}

	views, err := handler.PartyStatusView(context.Background(), request.VoteID)
	if err != nil {
		t.Fatalf("party view: %v", err)
	}
	if len(views) != 1 || views[0].PartyName != "Bob" || views[0].Action != entities.VoteStatusRejected || views[0].Reason != "no" {
		t.Fatalf("unexpected views %+v", views)
	}
}
