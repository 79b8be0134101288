package services

import "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"

// TallyResult is the vote count behind a status.
type TallyResult struct {
	Approvals  int
	Rejections int
	Pending    int
	Status     entities.VoteStatus
}

// Tally counts the latest reply of every voter. Replies from parties outside
// the voter set are ignored. A vote is rejected as soon as the voters that
// have not replied can no longer lift the approvals to the threshold.
func Tally(request entities.VoteRequest) TallyResult {
	result := TallyResult{Status: entities.VoteStatusReviewing}
	seen := make(map[string]struct{}, len(request.Voters))
	for _, voter := range request.Voters {
		if _, dup := seen[voter]; dup {
			continue
		}
		seen[voter] = struct{}{}
		info, ok := request.PartyInfo(voter)
		switch {
		case ok && info.Action == entities.VoteStatusApproved:
			result.Approvals++
		case ok && info.Action == entities.VoteStatusRejected:
			result.Rejections++
		default:
			result.Pending++
		}
	}

	switch {
	case result.Approvals >= request.ApprovedThreshold:
		result.Status = entities.VoteStatusApproved
	case result.Pending < request.ApprovedThreshold-result.Approvals:
		result.Status = entities.VoteStatusRejected
	}
	return result
}

// NextStatus keeps terminal statuses immutable.
func NextStatus(current entities.VoteStatus, tallied entities.VoteStatus) entities.VoteStatus {
	if current.IsTerminal() {
		return current
	}
	return tallied
}
