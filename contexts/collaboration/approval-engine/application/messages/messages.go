// Package messages defines the node-to-node payloads of the approval protocol
// and the envelopes that carry them through the outbox.
package messages

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
)

const (
	TypeVoteInvited = "approval.vote.invited"
	TypeVoteReplied = "approval.vote.replied"
	TypeVoteDecided = "approval.vote.decided"

	SourceService    = "approval-engine"
	partitionKeyPath = "target_party"
	inboxTopicPrefix = "approval.inbox."
)

// InboxTopic is the topic a node subscribes to for messages addressed to it.
func InboxTopic(partyID string) string {
	return inboxTopicPrefix + strings.TrimSpace(partyID)
}

// PartyFromTopic reverses InboxTopic.
func PartyFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, inboxTopicPrefix) {
		return "", false
	}
	party := strings.TrimPrefix(topic, inboxTopicPrefix)
	return party, party != ""
}

// Invite asks a voter to approve or reject a proposal.
type Invite struct {
	VoteID    string            `json:"vote_id"`
	Type      entities.VoteType `json:"type"`
	Initiator string            `json:"initiator"`
	Desc      string            `json:"desc"`
	SubjectID string            `json:"subject_id,omitempty"`
	Voter     string            `json:"voter"`
	VoteMsg   string            `json:"vote_msg"`
}

// Reply carries one voter's decision to the vote counter.
type Reply struct {
	VoteID string              `json:"vote_id"`
	Voter  string              `json:"voter"`
	Action entities.VoteStatus `json:"action"`
	Reason string              `json:"reason,omitempty"`
}

// Decided fans out a terminal status from the vote counter. It embeds the
// envelope so a node that never saw the invite can still apply the outcome.
type Decided struct {
	VoteID         string                   `json:"vote_id"`
	Type           entities.VoteType        `json:"type"`
	Status         entities.VoteStatus      `json:"status"`
	PartyVoteInfos []entities.PartyVoteInfo `json:"party_vote_infos"`
	RequestMsg     string                   `json:"request_msg"`
	Desc           string                   `json:"desc"`
	SubjectID      string                   `json:"subject_id,omitempty"`
}

// NewEnvelope wraps data for delivery to targetParty. The target is the
// partition key so every leg towards one node keeps its relative order.
func NewEnvelope(
	eventID string,
	eventType string,
	sourceParty string,
	targetParty string,
	occurredAt time.Time,
	data any,
) (ports.EventEnvelope, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return ports.EventEnvelope{}, err
	}
	return ports.EventEnvelope{
		EventID:          eventID,
		EventType:        eventType,
		OccurredAt:       occurredAt.UTC(),
		SourceService:    SourceService,
		SourceParty:      strings.TrimSpace(sourceParty),
		TraceID:          eventID,
		SchemaVersion:    1,
		PartitionKeyPath: partitionKeyPath,
		PartitionKey:     strings.TrimSpace(targetParty),
		Data:             payload,
	}, nil
}
