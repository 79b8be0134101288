package services

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
	domainerrors "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/errors"
)

// ActionKind tags the effect an action string carries.
type ActionKind string

const (
	ActionKindNodeRoute      ActionKind = "NODE_ROUTE"
	ActionKindProjectCreate  ActionKind = "PROJECT_CREATE"
	ActionKindProjectArchive ActionKind = "PROJECT_ARCHIVE"
	ActionKindTeeDownload    ActionKind = "TEE_DOWN_LOAD"
	ActionKindNoop           ActionKind = "NOOP"
)

// actionDelimiter separates the kind tag from the JSON payload. Kind tags
// never contain it, so splitting on the first occurrence is unambiguous.
const actionDelimiter = ","

// Action is a decoded "<KIND>,<payload>" string. Payload stays raw until the
// handler owning Kind unmarshals it into its own type.
type Action struct {
	Kind    ActionKind
	Payload json.RawMessage
}

// EncodeAction renders payload as "<KIND>,<json>".
func EncodeAction(kind ActionKind, payload any) (string, error) {
	tag := strings.TrimSpace(string(kind))
	if tag == "" || strings.Contains(tag, actionDelimiter) {
		return "", fmt.Errorf("%w: invalid kind tag %q", domainerrors.ErrMalformedAction, kind)
	}
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domainerrors.ErrMalformedAction, err)
	}
	return tag + actionDelimiter + string(raw), nil
}

// DecodeAction splits on the first comma; the payload must be valid JSON.
func DecodeAction(encoded string) (Action, error) {
	kind, payload, found := strings.Cut(encoded, actionDelimiter)
	if !found {
		return Action{}, fmt.Errorf("%w: missing delimiter", domainerrors.ErrMalformedAction)
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return Action{}, fmt.Errorf("%w: empty kind tag", domainerrors.ErrMalformedAction)
	}
	if !json.Valid([]byte(payload)) {
		return Action{}, fmt.Errorf("%w: payload of %s is not json", domainerrors.ErrMalformedAction, kind)
	}
	return Action{
		Kind:    ActionKind(kind),
		Payload: json.RawMessage(payload),
	}, nil
}

// NoopAction is the rejection payload of kinds whose rejection has no effect.
func NoopAction() string {
	return string(ActionKindNoop) + actionDelimiter + "{}"
}

// Expect checks the decoded kind against the caller's dispatch table.
func (a Action) Expect(kinds ...ActionKind) error {
	for _, kind := range kinds {
		if a.Kind == kind {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", domainerrors.ErrUnknownActionKind, a.Kind)
}

// Decode unmarshals the payload into target.
func (a Action) Decode(target any) error {
	if err := json.Unmarshal(a.Payload, target); err != nil {
		return fmt.Errorf("%w: %s payload: %v", domainerrors.ErrMalformedAction, a.Kind, err)
	}
	return nil
}

// VoteEnvelope is the request-level message stored in RequestMsg/VoteMsg. It
// carries both outcome actions so every participant can see the consequence of
// the vote before it is decided.
type VoteEnvelope struct {
	ApprovedAction    string   `json:"approvedAction"`
	RejectedAction    string   `json:"rejectedAction"`
	Type              string   `json:"type"`
	ApprovedThreshold int      `json:"approvedThreshold"`
	Initiator         string   `json:"initiator"`
	VoteRequestID     string   `json:"voteRequestID"`
	VoteCounter       string   `json:"voteCounter"`
	Voters            []string `json:"voters"`
	Executors         []string `json:"executors"`
}

// EncodeEnvelope returns base64 of the JSON envelope.
func EncodeEnvelope(envelope VoteEnvelope) (string, error) {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domainerrors.ErrMalformedEnvelope, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeEnvelope reverses EncodeEnvelope.
func DecodeEnvelope(encoded string) (VoteEnvelope, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return VoteEnvelope{}, fmt.Errorf("%w: %v", domainerrors.ErrMalformedEnvelope, err)
	}
	var envelope VoteEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return VoteEnvelope{}, fmt.Errorf("%w: %v", domainerrors.ErrMalformedEnvelope, err)
	}
	if strings.TrimSpace(envelope.VoteRequestID) == "" || strings.TrimSpace(envelope.Type) == "" {
		return VoteEnvelope{}, fmt.Errorf("%w: missing vote id or type", domainerrors.ErrMalformedEnvelope)
	}
	return envelope, nil
}

// ActionFor returns the decoded action matching a terminal status.
func (e VoteEnvelope) ActionFor(status entities.VoteStatus) (Action, error) {
	switch status {
	case entities.VoteStatusApproved:
		return DecodeAction(e.ApprovedAction)
	case entities.VoteStatusRejected:
		return DecodeAction(e.RejectedAction)
	default:
		return Action{}, domainerrors.ErrVoteNotDecided
	}
}

// NewVoteRequest rebuilds the request mirror a non-initiator node keeps for a
// vote it learned about through an invite or a terminal notification.
func (e VoteEnvelope) NewVoteRequest(requestMsg string, desc string, subjectID string) entities.VoteRequest {
	return entities.VoteRequest{
		VoteID:            e.VoteRequestID,
		Type:              entities.VoteType(e.Type),
		Initiator:         e.Initiator,
		Voters:            append([]string(nil), e.Voters...),
		Executors:         append([]string(nil), e.Executors...),
		VoteCounter:       e.VoteCounter,
		ApprovedThreshold: e.ApprovedThreshold,
		Status:            entities.VoteStatusReviewing,
		RequestMsg:        requestMsg,
		Desc:              desc,
		SubjectID:         subjectID,
	}
}
