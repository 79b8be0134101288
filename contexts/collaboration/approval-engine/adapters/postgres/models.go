package postgresadapter

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"

	"github.com/jackc/pgx/v5/pgconn"
)

type voteRequestModel struct {
	VoteID            string    `gorm:"column:vote_id;primaryKey"`
	Type              string    `gorm:"column:type;index:idx_vote_request_subject"`
	Initiator         string    `gorm:"column:initiator"`
	Voters            string    `gorm:"column:voters;type:text"`
	Executors         string    `gorm:"column:executors;type:text"`
	VoteCounter       string    `gorm:"column:vote_counter"`
	ApprovedThreshold int       `gorm:"column:approved_threshold"`
	Status            string    `gorm:"column:status"`
	PartyVoteInfos    string    `gorm:"column:party_vote_infos;type:text"`
	RequestMsg        string    `gorm:"column:request_msg;type:text"`
	Description       string    `gorm:"column:description"`
	SubjectID         string    `gorm:"column:subject_id;index:idx_vote_request_subject"`
	CreatedAt         time.Time `gorm:"column:created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at"`
}

func (voteRequestModel) TableName() string {
	return "vote_request"
}

func voteRequestModelFromEntity(request entities.VoteRequest) (voteRequestModel, error) {
	voters, err := json.Marshal(request.Voters)
	if err != nil {
		return voteRequestModel{}, err
	}
	executors, err := json.Marshal(request.Executors)
	if err != nil {
		return voteRequestModel{}, err
	}
	infos, err := json.Marshal(request.PartyVoteInfos)
	if err != nil {
		return voteRequestModel{}, err
	}
	return voteRequestModel{
		VoteID:            request.VoteID,
		Type:              string(request.Type),
		Initiator:         request.Initiator,
		Voters:            string(voters),
		Executors:         string(executors),
		VoteCounter:       request.VoteCounter,
		ApprovedThreshold: request.ApprovedThreshold,
		Status:            string(request.Status),
		PartyVoteInfos:    string(infos),
		RequestMsg:        request.RequestMsg,
		Description:       request.Desc,
		SubjectID:         request.SubjectID,
		CreatedAt:         request.CreatedAt.UTC(),
		UpdatedAt:         request.UpdatedAt.UTC(),
	}, nil
}

func (m voteRequestModel) toEntity() (entities.VoteRequest, error) {
	request := entities.VoteRequest{
		VoteID:            m.VoteID,
		Type:              entities.VoteType(m.Type),
		Initiator:         m.Initiator,
		VoteCounter:       m.VoteCounter,
		ApprovedThreshold: m.ApprovedThreshold,
		Status:            entities.VoteStatus(m.Status),
		RequestMsg:        m.RequestMsg,
		Desc:              m.Description,
		SubjectID:         m.SubjectID,
		CreatedAt:         m.CreatedAt.UTC(),
		UpdatedAt:         m.UpdatedAt.UTC(),
	}
	if err := unmarshalText(m.Voters, &request.Voters); err != nil {
		return entities.VoteRequest{}, err
	}
	if err := unmarshalText(m.Executors, &request.Executors); err != nil {
		return entities.VoteRequest{}, err
	}
	if err := unmarshalText(m.PartyVoteInfos, &request.PartyVoteInfos); err != nil {
		return entities.VoteRequest{}, err
	}
	return request, nil
}

type voteInviteModel struct {
	VoteID          string    `gorm:"column:vote_id;primaryKey"`
	VotePartitionID string    `gorm:"column:vote_partition_id;primaryKey;index"`
	Initiator       string    `gorm:"column:initiator"`
	Type            string    `gorm:"column:type"`
	Description     string    `gorm:"column:description"`
	Action          string    `gorm:"column:action"`
	Reason          string    `gorm:"column:reason"`
	VoteMsg         string    `gorm:"column:vote_msg;type:text"`
	CreatedAt       time.Time `gorm:"column:created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

func (voteInviteModel) TableName() string {
	return "vote_invite"
}

func voteInviteModelFromEntity(invite entities.VoteInvite) voteInviteModel {
	return voteInviteModel{
		VoteID:          invite.VoteID,
		VotePartitionID: invite.VotePartitionID,
		Initiator:       invite.Initiator,
		Type:            string(invite.Type),
		Description:     invite.Desc,
		Action:          string(invite.Action),
		Reason:          invite.Reason,
		VoteMsg:         invite.VoteMsg,
		CreatedAt:       invite.CreatedAt.UTC(),
		UpdatedAt:       invite.UpdatedAt.UTC(),
	}
}

func (m voteInviteModel) toEntity() entities.VoteInvite {
	return entities.VoteInvite{
		VoteID:          m.VoteID,
		VotePartitionID: m.VotePartitionID,
		Initiator:       m.Initiator,
		Type:            entities.VoteType(m.Type),
		Desc:            m.Description,
		Action:          entities.VoteStatus(m.Action),
		Reason:          m.Reason,
		VoteMsg:         m.VoteMsg,
		CreatedAt:       m.CreatedAt.UTC(),
		UpdatedAt:       m.UpdatedAt.UTC(),
	}
}

type voteExecutionModel struct {
	VoteID        string    `gorm:"column:vote_id;primaryKey"`
	PartyID       string    `gorm:"column:party_id;primaryKey"`
	ExecuteStatus string    `gorm:"column:execute_status"`
	Msg           string    `gorm:"column:msg;type:text"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (voteExecutionModel) TableName() string {
	return "vote_execution"
}

func voteExecutionModelFromEntity(execution entities.VoteExecution) voteExecutionModel {
	return voteExecutionModel{
		VoteID:        execution.VoteID,
		PartyID:       execution.PartyID,
		ExecuteStatus: string(execution.ExecuteStatus),
		Msg:           execution.Msg,
		CreatedAt:     execution.CreatedAt.UTC(),
		UpdatedAt:     execution.UpdatedAt.UTC(),
	}
}

func (m voteExecutionModel) toEntity() entities.VoteExecution {
	return entities.VoteExecution{
		VoteID:        m.VoteID,
		PartyID:       m.PartyID,
		ExecuteStatus: entities.ExecuteStatus(m.ExecuteStatus),
		Msg:           m.Msg,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
}

type idempotencyModel struct {
	Key         string    `gorm:"column:key;primaryKey"`
	RequestHash string    `gorm:"column:request_hash"`
	VoteID      string    `gorm:"column:vote_id"`
	ExpiresAt   time.Time `gorm:"column:expires_at"`
}

func (idempotencyModel) TableName() string {
	return "approval_idempotency"
}

type outboxModel struct {
	OutboxID     string     `gorm:"column:outbox_id;primaryKey"`
	Seq          int64      `gorm:"column:seq;type:bigserial;<-:false"`
	EventType    string     `gorm:"column:event_type"`
	PartitionKey string     `gorm:"column:partition_key"`
	Payload      []byte     `gorm:"column:payload"`
	Status       string     `gorm:"column:status;index"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	PublishedAt  *time.Time `gorm:"column:published_at"`
}

func (outboxModel) TableName() string {
	return "approval_outbox"
}

type eventDedupModel struct {
	EventID     string    `gorm:"column:event_id;primaryKey"`
	PayloadHash string    `gorm:"column:payload_hash"`
	ExpiresAt   time.Time `gorm:"column:expires_at"`
	ProcessedAt time.Time `gorm:"column:processed_at"`
}

func (eventDedupModel) TableName() string {
	return "approval_event_dedup"
}

type nodeRouteModel struct {
	SrcPartyID    string    `gorm:"column:src_party_id;primaryKey"`
	DstPartyID    string    `gorm:"column:dst_party_id;primaryKey"`
	SrcNetAddress string    `gorm:"column:src_net_address"`
	DstNetAddress string    `gorm:"column:dst_net_address"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (nodeRouteModel) TableName() string {
	return "node_route"
}

type projectModel struct {
	ProjectID   string    `gorm:"column:project_id;primaryKey"`
	Name        string    `gorm:"column:name"`
	Description string    `gorm:"column:description"`
	Owner       string    `gorm:"column:owner"`
	Status      string    `gorm:"column:status"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (projectModel) TableName() string {
	return "project"
}

type projectMemberModel struct {
	ProjectID string `gorm:"column:project_id;primaryKey"`
	PartyID   string `gorm:"column:party_id;primaryKey"`
}

func (projectMemberModel) TableName() string {
	return "project_member"
}

type resultReleaseModel struct {
	ProjectID  string    `gorm:"column:project_id;primaryKey"`
	ResourceID string    `gorm:"column:resource_id;primaryKey"`
	Requester  string    `gorm:"column:requester;primaryKey"`
	TeeNodeID  string    `gorm:"column:tee_node_id"`
	JobID      string    `gorm:"column:job_id"`
	TaskID     string    `gorm:"column:task_id"`
	ReleasedAt time.Time `gorm:"column:released_at"`
}

func (resultReleaseModel) TableName() string {
	return "tee_result_release"
}

// Models lists every table of the approval engine for AutoMigrate.
func Models() []any {
	return []any{
		&voteRequestModel{},
		&voteInviteModel{},
		&voteExecutionModel{},
		&idempotencyModel{},
		&outboxModel{},
		&eventDedupModel{},
		&nodeRouteModel{},
		&projectModel{},
		&projectMemberModel{},
		&resultReleaseModel{},
	}
}

func unmarshalText(raw string, target any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), target)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
