package entities

import "time"

type ExecuteStatus string

const (
	ExecuteStatusCommitted ExecuteStatus = "COMMITTED"
	ExecuteStatusSuccess   ExecuteStatus = "SUCCESS"
	ExecuteStatusFailed    ExecuteStatus = "FAILED"
	ExecuteStatusObserver  ExecuteStatus = "OBSERVER"
)

func (s ExecuteStatus) IsTerminal() bool {
	return s == ExecuteStatusSuccess || s == ExecuteStatusFailed || s == ExecuteStatusObserver
}

// VoteExecution is the node-local execution outcome of a decided vote. Every
// organization keeps its own row per vote, keyed by (VoteID, PartyID).
type VoteExecution struct {
	VoteID        string
	PartyID       string
	ExecuteStatus ExecuteStatus
	Msg           string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
