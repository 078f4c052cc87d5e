package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/schema"
)

const paymentSelect = `
	SELECT id, member_id, member_name, amount_cents, concept, paid_at,
	       receipt_no, sync_status, last_modified, version
	FROM payments`

// UpsertPayment inserts or updates a payment record.
func (db *DB) UpsertPayment(ctx context.Context, p *schema.Payment) error {
	return UpsertPaymentIn(ctx, db.conn, p)
}

// UpsertPaymentIn inserts or updates a payment through the given
// Querier, allowing the write to join a larger transaction.
func UpsertPaymentIn(ctx context.Context, q Querier, p *schema.Payment) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid payment: %w", err)
	}

	query := `
	INSERT INTO payments (
		id, member_id, member_name, amount_cents, concept, paid_at,
		receipt_no, sync_status, last_modified, version
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		member_id = excluded.member_id,
		member_name = excluded.member_name,
		amount_cents = excluded.amount_cents,
		concept = excluded.concept,
		paid_at = excluded.paid_at,
		receipt_no = excluded.receipt_no,
		sync_status = excluded.sync_status,
		last_modified = excluded.last_modified,
		version = excluded.version
	`

	_, err := q.ExecContext(ctx, query,
		p.ID,
		p.MemberID,
		p.MemberName,
		p.AmountCents,
		p.Concept,
		p.PaidAt.Format(time.RFC3339Nano),
		p.ReceiptNo,
		string(p.SyncStatus),
		p.LastModified.Format(time.RFC3339Nano),
		p.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert payment %s: %w", p.ID, err)
	}
	return nil
}

// GetPayment retrieves a single payment by id.
// Returns sql.ErrNoRows if the payment is not found.
func (db *DB) GetPayment(ctx context.Context, id string) (*schema.Payment, error) {
	row := db.conn.QueryRowContext(ctx, paymentSelect+` WHERE id = ?`, id)
	return scanPaymentFrom(row)
}

// PaymentFilter configures ListPayments.
type PaymentFilter struct {
	// MemberID filters by owning member (empty = all).
	MemberID string
	// SyncStatus filters by sync state (empty = all).
	SyncStatus schema.SyncStatus
	// Limit restricts the number of results (0 = no limit).
	Limit int
	// Offset skips the first N results.
	Offset int
}

// ListPayments retrieves payments matching the filter, newest first.
func (db *DB) ListPayments(ctx context.Context, filter PaymentFilter) ([]*schema.Payment, error) {
	var conditions []string
	var args []any

	if filter.MemberID != "" {
		conditions = append(conditions, "member_id = ?")
		args = append(args, filter.MemberID)
	}
	if filter.SyncStatus != "" {
		conditions = append(conditions, "sync_status = ?")
		args = append(args, string(filter.SyncStatus))
	}

	query := paymentSelect
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY paid_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	return scanPayments(rows)
}

// SearchPayments finds payments whose concept or member name contains
// the term.
func (db *DB) SearchPayments(ctx context.Context, term string) ([]*schema.Payment, error) {
	pattern := "%" + term + "%"
	query := paymentSelect + `
	WHERE concept LIKE ? OR member_name LIKE ?
	ORDER BY paid_at DESC`

	rows, err := db.conn.QueryContext(ctx, query, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to search payments: %w", err)
	}
	defer rows.Close()

	return scanPayments(rows)
}

// DeletePaymentIn removes a payment row. Idempotent.
func DeletePaymentIn(ctx context.Context, q Querier, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM payments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete payment %s: %w", id, err)
	}
	return nil
}

// SetPaymentReceiptNo writes back a server-assigned receipt number.
func SetPaymentReceiptNo(ctx context.Context, q Querier, id string, receiptNo int64) error {
	if _, err := q.ExecContext(ctx, `UPDATE payments SET receipt_no = ? WHERE id = ?`, receiptNo, id); err != nil {
		return fmt.Errorf("failed to set receipt number on payment %s: %w", id, err)
	}
	return nil
}

// UpdatePaymentsMemberName propagates the member display name into
// that member's payments. Called after a member record syncs.
func UpdatePaymentsMemberName(ctx context.Context, q Querier, memberID, name string) error {
	if _, err := q.ExecContext(ctx, `UPDATE payments SET member_name = ? WHERE member_id = ?`, name, memberID); err != nil {
		return fmt.Errorf("failed to update payment member names for %s: %w", memberID, err)
	}
	return nil
}

func scanPaymentFrom(s rowScanner) (*schema.Payment, error) {
	var p schema.Payment
	var paidAt, lastModified, syncStatus string
	var memberName sql.NullString

	err := s.Scan(
		&p.ID,
		&p.MemberID,
		&memberName,
		&p.AmountCents,
		&p.Concept,
		&paidAt,
		&p.ReceiptNo,
		&syncStatus,
		&lastModified,
		&p.Version,
	)
	if err != nil {
		return nil, err
	}

	p.MemberName = memberName.String
	p.PaidAt = parseTime(paidAt)
	p.SyncStatus = schema.SyncStatus(syncStatus)
	p.LastModified = parseTime(lastModified)
	return &p, nil
}

func scanPayments(rows *sql.Rows) ([]*schema.Payment, error) {
	var payments []*schema.Payment
	for rows.Next() {
		p, err := scanPaymentFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payments: %w", err)
	}
	return payments, nil
}
