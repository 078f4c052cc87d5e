package schema

import (
	"fmt"
	"time"
)

// Payment represents a membership fee or donation payment.
//
// MemberName is denormalized from the member record for display; the
// syncer refreshes it when the owning member syncs. ReceiptNo is
// server-authoritative: offline-created payments carry no number
// (zero) and receive one during sync.
type Payment struct {
	// ===== Core Identification =====
	ID       string `json:"id"`
	MemberID string `json:"member_id"`

	// ===== Business Fields =====
	MemberName  string    `json:"member_name,omitempty"`
	AmountCents int64     `json:"amount_cents"`
	Concept     string    `json:"concept"`
	PaidAt      time.Time `json:"paid_at"`
	ReceiptNo   int64     `json:"receipt_no,omitempty"`

	// ===== Sync Control =====
	SyncMeta
}

// Validate checks that the payment has valid field values.
func (p *Payment) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.MemberID == "" {
		return fmt.Errorf("member_id is required")
	}
	if p.AmountCents <= 0 {
		return fmt.Errorf("amount must be positive (got %d)", p.AmountCents)
	}
	if p.Concept == "" {
		return fmt.Errorf("concept is required")
	}
	if p.LastModified.IsZero() {
		return fmt.Errorf("last_modified is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (p *Payment) SetDefaults() {
	if p.PaidAt.IsZero() {
		p.PaidAt = time.Now()
	}
	if p.SyncStatus == "" {
		p.SyncStatus = StatusPending
	}
	if p.LastModified.IsZero() {
		p.LastModified = time.Now()
	}
}
