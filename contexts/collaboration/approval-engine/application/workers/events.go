package workers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	domainerrors "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/errors"
)

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// isPermanent reports errors that a redelivery of the same message cannot
// fix. Those messages are acknowledged and dropped.
func isPermanent(err error) bool {
	for _, target := range []error{
		domainerrors.ErrMalformedEnvelope,
		domainerrors.ErrMalformedAction,
		domainerrors.ErrUnknownActionKind,
		domainerrors.ErrUnknownMessageType,
		domainerrors.ErrUnknownVoteType,
		domainerrors.ErrInviteAlreadyTerminal,
		domainerrors.ErrStatusConflict,
		domainerrors.ErrNotVoteCounter,
		domainerrors.ErrNotVoter,
		domainerrors.ErrInvalidInput,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
