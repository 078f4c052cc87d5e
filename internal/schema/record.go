package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncStatus marks a local record's relationship to the server copy.
type SyncStatus string

const (
	// StatusPending indicates the record was modified locally and the
	// change has not yet been confirmed by the server.
	StatusPending SyncStatus = "pending"

	// StatusSynced indicates the local copy matches the last known
	// server copy.
	StatusSynced SyncStatus = "synced"

	// StatusConflict indicates the server copy diverged and the record
	// awaits resolution.
	StatusConflict SyncStatus = "conflict"
)

// Table names of the synchronized business collections.
const (
	TableMembers  = "members"
	TablePayments = "payments"
	TableTickets  = "tickets"
)

// SyncMeta holds the control attributes embedded in every record.
type SyncMeta struct {
	SyncStatus   SyncStatus `json:"sync_status"`
	LastModified time.Time  `json:"last_modified"`
	Version      int        `json:"version"`
}

// Touch marks the record as locally modified: pending status, fresh
// timestamp, bumped version.
func (m *SyncMeta) Touch(now time.Time) {
	m.SyncStatus = StatusPending
	m.LastModified = now
	m.Version++
}

// MarkSynced records that the local copy matches the server.
func (m *SyncMeta) MarkSynced() {
	m.SyncStatus = StatusSynced
}

// controlFields are the local bookkeeping attributes that must never
// reach the backend.
var controlFields = []string{"sync_status", "last_modified", "version"}

// StripControlFields removes local-only bookkeeping attributes from a
// generic payload before transmission.
func StripControlFields(payload map[string]any) {
	for _, f := range controlFields {
		delete(payload, f)
	}
}

// ToPayload converts a record into the generic payload shape sent to
// the backend, with control fields stripped.
func ToPayload(record any) (map[string]any, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to build payload: %w", err)
	}
	StripControlFields(payload)
	return payload, nil
}
