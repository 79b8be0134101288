package http

import "encoding/json"

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ProposeRequest carries kind-specific params, for example
// {"dstPartyId":"bob"} for NODE_ROUTE.
type ProposeRequest struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

type ReplyRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

type PartyVoteInfo struct {
	PartyID string `json:"party_id"`
	Action  string `json:"action"`
	Reason  string `json:"reason,omitempty"`
}

type VoteResponse struct {
	VoteID            string          `json:"vote_id"`
	Type              string          `json:"type"`
	Initiator         string          `json:"initiator"`
	Voters            []string        `json:"voters"`
	Executors         []string        `json:"executors"`
	VoteCounter       string          `json:"vote_counter"`
	ApprovedThreshold int             `json:"approved_threshold"`
	Status            string          `json:"status"`
	PartyVoteInfos    []PartyVoteInfo `json:"party_vote_infos"`
	Desc              string          `json:"desc"`
	SubjectID         string          `json:"subject_id,omitempty"`
	CreatedAt         string          `json:"created_at"`
	Replayed          bool            `json:"replayed,omitempty"`
}

type InviteResponse struct {
	VoteID    string `json:"vote_id"`
	PartyID   string `json:"party_id"`
	Initiator string `json:"initiator"`
	Type      string `json:"type"`
	Desc      string `json:"desc"`
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at"`
}

type PartyStatus struct {
	PartyID        string `json:"party_id"`
	PartyName      string `json:"party_name"`
	Action         string `json:"action"`
	Reason         string `json:"reason,omitempty"`
	OriginalAction string `json:"original_action,omitempty"`
	OriginalReason string `json:"original_reason,omitempty"`
}

type StatusResponse struct {
	Vote          VoteResponse  `json:"vote"`
	ExecuteStatus string        `json:"execute_status,omitempty"`
	ExecuteMsg    string        `json:"execute_msg,omitempty"`
	Parties       []PartyStatus `json:"parties"`
}

type ExecutionResponse struct {
	VoteID        string `json:"vote_id"`
	PartyID       string `json:"party_id"`
	ExecuteStatus string `json:"execute_status"`
	Msg           string `json:"msg,omitempty"`
}

type ListVotesResponse struct {
	Items []VoteResponse `json:"items"`
}

type ListInvitesResponse struct {
	Items []InviteResponse `json:"items"`
}
