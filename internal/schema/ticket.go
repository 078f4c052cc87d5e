package schema

import (
	"fmt"
	"time"
)

// ProvisionalSeq is the placeholder sequence number assigned to
// tickets created offline. Negative numbers never collide with
// server-assigned ones; the syncer substitutes the real next number
// before the insert is transmitted.
const ProvisionalSeq = -1

// Ticket represents an event ticket issued to a member.
//
// SeqNo is the human-visible ticket number within an event. Tickets
// created offline get ProvisionalSeq and receive their real number
// during sync, so that tickets issued concurrently on different
// devices cannot race for the same number.
type Ticket struct {
	// ===== Core Identification =====
	ID       string `json:"id"`
	MemberID string `json:"member_id"`

	// ===== Business Fields =====
	Event    string    `json:"event"`
	SeqNo    int64     `json:"seq_no"`
	IssuedAt time.Time `json:"issued_at"`

	// ===== Sync Control =====
	SyncMeta
}

// Validate checks that the ticket has valid field values.
func (t *Ticket) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.MemberID == "" {
		return fmt.Errorf("member_id is required")
	}
	if t.Event == "" {
		return fmt.Errorf("event is required")
	}
	if t.SeqNo == 0 {
		return fmt.Errorf("seq_no is required (use ProvisionalSeq offline)")
	}
	if t.LastModified.IsZero() {
		return fmt.Errorf("last_modified is required")
	}
	return nil
}

// HasProvisionalSeq reports whether the ticket still carries a
// client-assigned placeholder number.
func (t *Ticket) HasProvisionalSeq() bool {
	return t.SeqNo < 0
}

// SetDefaults applies default values for optional fields.
func (t *Ticket) SetDefaults() {
	if t.IssuedAt.IsZero() {
		t.IssuedAt = time.Now()
	}
	if t.SeqNo == 0 {
		t.SeqNo = ProvisionalSeq
	}
	if t.SyncStatus == "" {
		t.SyncStatus = StatusPending
	}
	if t.LastModified.IsZero() {
		t.LastModified = time.Now()
	}
}
