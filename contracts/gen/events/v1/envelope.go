package v1

import (
	"encoding/json"
	"time"
)

// Envelope is the canonical, versioned message envelope exchanged between
// organization nodes. PartitionKey carries the target party so relays can
// route without decoding Data.
// This package is generated-contract-only and must stay backward compatible.
type Envelope struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	OccurredAt       time.Time       `json:"occurred_at"`
	SourceService    string          `json:"source_service"`
	SourceParty      string          `json:"source_party,omitempty"`
	TraceID          string          `json:"trace_id"`
	SchemaVersion    int             `json:"schema_version"`
	PartitionKeyPath string          `json:"partition_key_path"`
	PartitionKey     string          `json:"partition_key"`
	Data             json.RawMessage `json:"data"`
}
