package entities

import "time"

// VoteInvite is one voter's copy of a proposal, keyed by (VoteID, VotePartitionID).
type VoteInvite struct {
	VoteID          string
	VotePartitionID string
	Initiator       string
	Type            VoteType
	Desc            string
	Action          VoteStatus
	Reason          string
	VoteMsg         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
