package entities

// RouteAction opens a network route between two organizations' nodes.
type RouteAction struct {
	SrcPartyID    string `json:"srcPartyId"`
	DstPartyID    string `json:"dstPartyId"`
	SrcNetAddress string `json:"srcNetAddress"`
	DstNetAddress string `json:"dstNetAddress"`
}

// ProjectCreateAction materializes an approved project on every member node.
type ProjectCreateAction struct {
	ProjectID   string   `json:"projectId"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Owner       string   `json:"owner"`
	Members     []string `json:"members"`
}

// ProjectArchiveAction marks a project archived and drops the listed
// membership rows.
type ProjectArchiveAction struct {
	ProjectID string   `json:"projectId"`
	Name      string   `json:"name,omitempty"`
	Members   []string `json:"members"`
	Reason    string   `json:"reason,omitempty"`
}

// TeeDownloadAction authorizes pulling a result out of the trusted execution
// environment for one requester.
type TeeDownloadAction struct {
	ProjectID         string `json:"projectId"`
	JobID             string `json:"jobId,omitempty"`
	TaskID            string `json:"taskId,omitempty"`
	ResourceID        string `json:"resourceId"`
	TeeNodeID         string `json:"teeNodeId"`
	Requester         string `json:"requester"`
	ReceiverPublicKey []byte `json:"receiverPublicKey,omitempty"`
}

type ProjectStatus string

const (
	ProjectStatusReviewing ProjectStatus = "REVIEWING"
	ProjectStatusApproved  ProjectStatus = "APPROVED"
	ProjectStatusArchived  ProjectStatus = "ARCHIVED"
)

// Project is the local projection of a collaboration project used by
// prechecks and apply steps.
type Project struct {
	ProjectID   string
	Name        string
	Description string
	Owner       string
	Members     []string
	Status      ProjectStatus
}

func (p Project) HasMember(partyID string) bool {
	return containsParty(p.Members, partyID)
}

// PartyVoteView is the read model rendered for operators.
type PartyVoteView struct {
	PartyID        string
	PartyName      string
	Action         VoteStatus
	Reason         string
	OriginalAction VoteStatus
	OriginalReason string
}
