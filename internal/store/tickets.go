package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/schema"
)

const ticketSelect = `
	SELECT id, member_id, event, seq_no, issued_at,
	       sync_status, last_modified, version
	FROM tickets`

// UpsertTicket inserts or updates a ticket record.
func (db *DB) UpsertTicket(ctx context.Context, t *schema.Ticket) error {
	return UpsertTicketIn(ctx, db.conn, t)
}

// UpsertTicketIn inserts or updates a ticket through the given
// Querier, allowing the write to join a larger transaction.
func UpsertTicketIn(ctx context.Context, q Querier, t *schema.Ticket) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid ticket: %w", err)
	}

	query := `
	INSERT INTO tickets (
		id, member_id, event, seq_no, issued_at,
		sync_status, last_modified, version
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		member_id = excluded.member_id,
		event = excluded.event,
		seq_no = excluded.seq_no,
		issued_at = excluded.issued_at,
		sync_status = excluded.sync_status,
		last_modified = excluded.last_modified,
		version = excluded.version
	`

	_, err := q.ExecContext(ctx, query,
		t.ID,
		t.MemberID,
		t.Event,
		t.SeqNo,
		t.IssuedAt.Format(time.RFC3339Nano),
		string(t.SyncStatus),
		t.LastModified.Format(time.RFC3339Nano),
		t.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ticket %s: %w", t.ID, err)
	}
	return nil
}

// GetTicket retrieves a single ticket by id.
// Returns sql.ErrNoRows if the ticket is not found.
func (db *DB) GetTicket(ctx context.Context, id string) (*schema.Ticket, error) {
	row := db.conn.QueryRowContext(ctx, ticketSelect+` WHERE id = ?`, id)
	return scanTicketFrom(row)
}

// TicketFilter configures ListTickets.
type TicketFilter struct {
	// MemberID filters by owning member (empty = all).
	MemberID string
	// Event filters by event name (empty = all).
	Event string
	// SyncStatus filters by sync state (empty = all).
	SyncStatus schema.SyncStatus
	// Limit restricts the number of results (0 = no limit).
	Limit int
	// Offset skips the first N results.
	Offset int
}

// ListTickets retrieves tickets matching the filter, ordered by event
// then sequence number.
func (db *DB) ListTickets(ctx context.Context, filter TicketFilter) ([]*schema.Ticket, error) {
	var conditions []string
	var args []any

	if filter.MemberID != "" {
		conditions = append(conditions, "member_id = ?")
		args = append(args, filter.MemberID)
	}
	if filter.Event != "" {
		conditions = append(conditions, "event = ?")
		args = append(args, filter.Event)
	}
	if filter.SyncStatus != "" {
		conditions = append(conditions, "sync_status = ?")
		args = append(args, string(filter.SyncStatus))
	}

	query := ticketSelect
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY event ASC, seq_no ASC"

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
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	return scanTickets(rows)
}

// SearchTickets finds tickets whose event name contains the term.
func (db *DB) SearchTickets(ctx context.Context, term string) ([]*schema.Ticket, error) {
	pattern := "%" + term + "%"
	query := ticketSelect + `
	WHERE event LIKE ?
	ORDER BY event ASC, seq_no ASC`

	rows, err := db.conn.QueryContext(ctx, query, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to search tickets: %w", err)
	}
	defer rows.Close()

	return scanTickets(rows)
}

// DeleteTicketIn removes a ticket row. Idempotent.
func DeleteTicketIn(ctx context.Context, q Querier, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM tickets WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete ticket %s: %w", id, err)
	}
	return nil
}

// SetTicketSeqNo writes back a server-assigned sequence number.
func SetTicketSeqNo(ctx context.Context, q Querier, id string, seqNo int64) error {
	if _, err := q.ExecContext(ctx, `UPDATE tickets SET seq_no = ? WHERE id = ?`, seqNo, id); err != nil {
		return fmt.Errorf("failed to set seq_no on ticket %s: %w", id, err)
	}
	return nil
}

func scanTicketFrom(s rowScanner) (*schema.Ticket, error) {
	var t schema.Ticket
	var issuedAt, lastModified, syncStatus string

	err := s.Scan(
		&t.ID,
		&t.MemberID,
		&t.Event,
		&t.SeqNo,
		&issuedAt,
		&syncStatus,
		&lastModified,
		&t.Version,
	)
	if err != nil {
		return nil, err
	}

	t.IssuedAt = parseTime(issuedAt)
	t.SyncStatus = schema.SyncStatus(syncStatus)
	t.LastModified = parseTime(lastModified)
	return &t, nil
}

func scanTickets(rows *sql.Rows) ([]*schema.Ticket, error) {
	var tickets []*schema.Ticket
	for rows.Next() {
		t, err := scanTicketFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tickets: %w", err)
	}
	return tickets, nil
}
