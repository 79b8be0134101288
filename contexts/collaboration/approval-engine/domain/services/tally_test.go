package services

import (
	"testing"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
)

func votes(threshold int, voters []string, replies map[string]entities.VoteStatus) entities.VoteRequest {
	request := entities.VoteRequest{
		Voters:            voters,
		ApprovedThreshold: threshold,
		Status:            entities.VoteStatusReviewing,
	}
	for _, voter := range voters {
		action := entities.VoteStatusReviewing
		if reply, ok := replies[voter]; ok {
			action = reply
		}
		request.PartyVoteInfos = append(request.PartyVoteInfos, entities.PartyVoteInfo{PartyID: voter, Action: action})
	}
	return request
}

func TestTally(t *testing.T) {
	voters := []string{"bob", "carol", "dave"}
	cases := []struct {
		name      string
		threshold int
		replies   map[string]entities.VoteStatus
		want      entities.VoteStatus
	}{
		{"no replies", 3, nil, entities.VoteStatusReviewing},
		{"partial approvals", 3, map[string]entities.VoteStatus{"bob": entities.VoteStatusApproved}, entities.VoteStatusReviewing},
		{"unanimous", 3, map[string]entities.VoteStatus{
			"bob": entities.VoteStatusApproved, "carol": entities.VoteStatusApproved, "dave": entities.VoteStatusApproved,
		}, entities.VoteStatusApproved},
		{"one rejection under unanimity", 3, map[string]entities.VoteStatus{"carol": entities.VoteStatusRejected}, entities.VoteStatusRejected},
		{"threshold two still reachable", 2, map[string]entities.VoteStatus{"carol": entities.VoteStatusRejected}, entities.VoteStatusReviewing},
		{"threshold two unreachable", 2, map[string]entities.VoteStatus{
			"carol": entities.VoteStatusRejected, "dave": entities.VoteStatusRejected,
		}, entities.VoteStatusRejected},
		{"threshold one", 1, map[string]entities.VoteStatus{"dave": entities.VoteStatusApproved}, entities.VoteStatusApproved},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Tally(votes(tc.threshold, voters, tc.replies))
			if got.Status != tc.want {
				t.Fatalf("expected %s, got %s (%+v)", tc.want, got.Status, got)
			}
		})
	}
}

func TestTallyIgnoresNonVoters(t *testing.T) {
	request := votes(1, []string{"bob"}, nil)
	request.PartyVoteInfos = append(request.PartyVoteInfos, entities.PartyVoteInfo{
		PartyID: "mallory",
		Action:  entities.VoteStatusApproved,
	})
	if got := Tally(request); got.Status != entities.VoteStatusReviewing || got.Pending != 1 {
		t.Fatalf("expected mallory ignored, got %+v", got)
	}
}

func TestNextStatusKeepsTerminal(t *testing.T) {
	if got := NextStatus(entities.VoteStatusApproved, entities.VoteStatusRejected); got != entities.VoteStatusApproved {
		t.Fatalf("terminal status changed to %s", got)
	}
	if got := NextStatus(entities.VoteStatusReviewing, entities.VoteStatusRejected); got != entities.VoteStatusRejected {
		t.Fatalf("expected rejected, got %s", got)
	}
}
