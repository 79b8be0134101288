package entities

import (
	"strings"
	"time"
)

type VoteType string

const (
	VoteTypeNodeRoute      VoteType = "NODE_ROUTE"
	VoteTypeProjectCreate  VoteType = "PROJECT_CREATE"
	VoteTypeProjectArchive VoteType = "PROJECT_ARCHIVE"
	VoteTypeTeeDownload    VoteType = "TEE_DOWN_LOAD"
)

// VoteStatus is shared by vote requests (aggregate decision) and vote invites
// (a single party's reply).
type VoteStatus string

const (
	VoteStatusReviewing VoteStatus = "REVIEWING"
	VoteStatusApproved  VoteStatus = "APPROVED"
	VoteStatusRejected  VoteStatus = "REJECTED"
)

func (s VoteStatus) IsTerminal() bool {
	return s == VoteStatusApproved || s == VoteStatusRejected
}

func (s VoteStatus) Valid() bool {
	return s == VoteStatusReviewing || s.IsTerminal()
}

// PartyVoteInfo is the latest reply of one voter as seen by the node holding
// the request.
type PartyVoteInfo struct {
	PartyID string     `json:"partyId"`
	Action  VoteStatus `json:"action"`
	Reason  string     `json:"reason,omitempty"`
}

// VoteRequest is the initiator-owned record of one proposed action. Nodes
// other than the initiator hold a mirror built from the vote envelope.
type VoteRequest struct {
	VoteID            string
	Type              VoteType
	Initiator         string
	Voters            []string
	Executors         []string
	VoteCounter       string
	ApprovedThreshold int
	Status            VoteStatus
	PartyVoteInfos    []PartyVoteInfo
	RequestMsg        string
	Desc              string
	SubjectID         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (r VoteRequest) IsVoter(partyID string) bool {
	return containsParty(r.Voters, partyID)
}

func (r VoteRequest) IsExecutor(partyID string) bool {
	return containsParty(r.Executors, partyID)
}

// Participants returns voters and executors without duplicates, voters first.
func (r VoteRequest) Participants() []string {
	items := make([]string, 0, len(r.Voters)+len(r.Executors))
	for _, party := range r.Voters {
		if !containsParty(items, party) {
			items = append(items, party)
		}
	}
	for _, party := range r.Executors {
		if !containsParty(items, party) {
			items = append(items, party)
		}
	}
	return items
}

// PartyInfo returns the reply recorded for partyID, if any.
func (r VoteRequest) PartyInfo(partyID string) (PartyVoteInfo, bool) {
	for _, info := range r.PartyVoteInfos {
		if info.PartyID == strings.TrimSpace(partyID) {
			return info, true
		}
	}
	return PartyVoteInfo{}, false
}

// SetPartyInfo replaces or appends the reply for info.PartyID.
func (r *VoteRequest) SetPartyInfo(info PartyVoteInfo) {
	for i := range r.PartyVoteInfos {
		if r.PartyVoteInfos[i].PartyID == info.PartyID {
			r.PartyVoteInfos[i] = info
			return
		}
	}
	r.PartyVoteInfos = append(r.PartyVoteInfos, info)
}

func containsParty(items []string, partyID string) bool {
	partyID = strings.TrimSpace(partyID)
	for _, item := range items {
		if item == partyID {
			return true
		}
	}
	return false
}
