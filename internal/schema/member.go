package schema

import (
	"fmt"
	"strings"
	"time"
)

// Member represents a brotherhood member record.
//
// Members are soft-deleted: deactivation flips Active locally and is
// pushed to the server as an update, preserving payment history.
type Member struct {
	// ===== Core Identification =====
	ID string `json:"id"`

	// ===== Business Fields =====
	Name     string     `json:"name"`
	Email    string     `json:"email"` // natural key, unique on the server
	Phone    string     `json:"phone,omitempty"`
	JoinedAt time.Time  `json:"joined_at"`
	Active   bool       `json:"active"`
	LeftAt   *time.Time `json:"left_at,omitempty"`

	// ===== Sync Control =====
	SyncMeta
}

// Validate checks that the member has valid field values.
func (m *Member) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(m.Name) > 200 {
		return fmt.Errorf("name must be 200 characters or less (got %d)", len(m.Name))
	}
	if m.Email == "" {
		return fmt.Errorf("email is required")
	}
	if !strings.Contains(m.Email, "@") {
		return fmt.Errorf("email %q is not valid", m.Email)
	}
	if m.LastModified.IsZero() {
		return fmt.Errorf("last_modified is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (m *Member) SetDefaults() {
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now()
	}
	if m.SyncStatus == "" {
		m.SyncStatus = StatusPending
	}
	if m.LastModified.IsZero() {
		m.LastModified = time.Now()
	}
}
