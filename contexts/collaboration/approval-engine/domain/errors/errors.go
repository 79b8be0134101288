package errors

import "errors"

// Precondition errors are returned by propose before any record is written.
var (
	ErrInvalidInput         = errors.New("invalid approval input")
	ErrUnknownVoteType      = errors.New("unknown vote type")
	ErrUnknownParty         = errors.New("unknown party")
	ErrNoVoters             = errors.New("vote has no voters")
	ErrRouteAlreadyExists   = errors.New("route already exists between parties")
	ErrRouteSourceMismatch  = errors.New("proposer must be the route source")
	ErrVoteUnderReview      = errors.New("a vote for this subject is already under review")
	ErrProjectNotFound      = errors.New("project not found")
	ErrProjectAlreadyExists = errors.New("project already exists")
	ErrProjectArchived      = errors.New("project is archived")
	ErrNotProjectMember     = errors.New("party is not a project member")
)

// Protocol errors are returned by reply and notification handling. They never
// leave a partial write behind.
var (
	ErrVoteNotFound          = errors.New("vote request not found")
	ErrInviteNotFound        = errors.New("vote invite not found")
	ErrInviteAlreadyTerminal = errors.New("vote invite is already terminal")
	ErrStatusConflict        = errors.New("vote status conflicts with recorded terminal status")
	ErrNotVoteCounter        = errors.New("party is not the vote counter")
	ErrNotVoter              = errors.New("party is not a voter")
	ErrMalformedEnvelope     = errors.New("malformed vote envelope")
	ErrMalformedAction       = errors.New("malformed vote action")
	ErrUnknownActionKind     = errors.New("unknown vote action kind")
	ErrUnknownMessageType    = errors.New("unknown node message type")
)

var (
	ErrExecutionNotFound      = errors.New("vote execution not found")
	ErrExecutionNotFailed     = errors.New("vote execution is not in failed state")
	ErrVoteNotDecided         = errors.New("vote is not decided yet")
	ErrConflict               = errors.New("approval record conflict")
	ErrIdempotencyKeyConflict = errors.New("idempotency key conflict")
)
