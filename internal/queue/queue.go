// Package queue provides the persisted mutation queue: the ordered
// list of pending write operations awaiting transmission to the
// remote backend.
//
// Mutations are created atomically with their record write (the
// repositories wrap both in one store transaction) and drained by the
// sync manager in ascending (priority, id) order. Same-priority
// entries keep insertion order through the auto-increment id, which
// preserves per-record submission order.
//
// Lifecycle: pending → processing → removed on success; a retryable
// failure demotes the entry to failed with retry_count += 1 (dead
// once retry_count reaches max_retries); a fatal failure marks it
// dead immediately. Dead entries are never retried automatically:
// ResetFailed is the explicit operator reset, PurgeDead the
// maintenance sweep.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/events"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/store"
)

// Op is the write operation type of a mutation.
type Op string

const (
	// OpInsert creates a record on the backend (upsert-by-id, so a
	// replayed insert cannot create a duplicate).
	OpInsert Op = "insert"
	// OpUpdate updates a record by id.
	OpUpdate Op = "update"
	// OpDelete deletes a record by id.
	OpDelete Op = "delete"
)

// Status is the lifecycle state of a queue entry.
type Status string

const (
	// StatusPending means the mutation awaits its next drain attempt.
	StatusPending Status = "pending"
	// StatusProcessing means a drain pass has the mutation in flight.
	StatusProcessing Status = "processing"
	// StatusFailed means the last attempt failed retryably; the entry
	// is picked up again on the next drain trigger.
	StatusFailed Status = "failed"
	// StatusDead means the mutation exhausted its retries or failed
	// fatally. It requires explicit operator intervention.
	StatusDead Status = "dead"
)

// DefaultMaxRetries is the retry budget for new mutations.
const DefaultMaxRetries = 3

// DefaultPriority is the priority for new mutations; lower sorts
// first.
const DefaultPriority = 1

// DeadRetention is how long dead entries are kept before PurgeDead
// removes them.
const DeadRetention = 30 * 24 * time.Hour

// Mutation is a single queued write operation. The payload shape is
// tagged by (Table, Op): the syncer's per-table hooks decode it into
// the matching record type.
type Mutation struct {
	ID         int64           `json:"id"`
	Op         Op              `json:"op"`
	Table      string          `json:"table"`
	RecordID   string          `json:"record_id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	Status     Status          `json:"status"`
	Priority   int             `json:"priority"`
	LastError  string          `json:"last_error,omitempty"`
}

// Queue provides mutation queue primitives over the local store.
type Queue struct {
	db     *store.DB
	bus    *events.Bus
	logger *log.Logger
}

// New creates a Queue. The bus may be nil (no notifications); if
// logger is nil a default stderr logger is used.
func New(db *store.DB, bus *events.Bus, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{
		db:     db,
		bus:    bus,
		logger: logger,
	}
}

// EnqueueTx inserts a new pending mutation inside the caller's
// transaction. This is the only way to enqueue: pairing the record
// write and the queue entry in one transaction is what keeps them in
// lockstep.
//
// The notification is NOT published here; callers publish after the
// transaction commits, via NotifyChanged.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, op Op, table, recordID string, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal mutation payload: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO mutations (op, tbl, record_id, payload, enqueued_at,
		                       retry_count, max_retries, status, priority)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		string(op),
		table,
		recordID,
		string(data),
		time.Now().Format(time.RFC3339Nano),
		DefaultMaxRetries,
		string(StatusPending),
		DefaultPriority,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s mutation for %s/%s: %w", op, table, recordID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get mutation id: %w", err)
	}
	return id, nil
}

// NotifyChanged publishes the queue-changed and pending-count events.
// Repositories call this after their enqueue transaction commits.
func (q *Queue) NotifyChanged(ctx context.Context, table string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(events.Event{Type: events.TypeQueueChanged, Table: table})

	count, err := q.PendingCount(ctx)
	if err != nil {
		q.logger.Printf("Warning: failed to count pending mutations: %v", err)
		return
	}
	q.bus.Publish(events.Event{Type: events.TypePendingCount, Payload: count})
}

const mutationSelect = `
	SELECT id, op, tbl, record_id, payload, enqueued_at,
	       retry_count, max_retries, status, priority, last_error
	FROM mutations`

// GetPending returns all pending mutations in drain order: ascending
// priority, then insertion order.
func (q *Queue) GetPending(ctx context.Context) ([]*Mutation, error) {
	rows, err := q.db.RawDB().QueryContext(ctx,
		mutationSelect+` WHERE status = ? ORDER BY priority ASC, id ASC`,
		string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending mutations: %w", err)
	}
	defer rows.Close()

	return scanMutations(rows)
}

// GetRetryable returns pending plus failed (non-terminal) mutations
// in drain order. The sync manager drains these; failed entries are
// earlier attempts awaiting retry.
func (q *Queue) GetRetryable(ctx context.Context) ([]*Mutation, error) {
	rows, err := q.db.RawDB().QueryContext(ctx,
		mutationSelect+` WHERE status IN (?, ?) ORDER BY priority ASC, id ASC`,
		string(StatusPending), string(StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to query retryable mutations: %w", err)
	}
	defer rows.Close()

	return scanMutations(rows)
}

// Get retrieves a single mutation by id.
// Returns sql.ErrNoRows if not found.
func (q *Queue) Get(ctx context.Context, id int64) (*Mutation, error) {
	row := q.db.RawDB().QueryRowContext(ctx, mutationSelect+` WHERE id = ?`, id)
	return scanMutation(row)
}

// List returns mutations filtered by status ("" = all), newest last.
func (q *Queue) List(ctx context.Context, status Status) ([]*Mutation, error) {
	query := mutationSelect
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id ASC`

	rows, err := q.db.RawDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}
	defer rows.Close()

	return scanMutations(rows)
}

// MarkProcessing transitions a mutation to processing.
func (q *Queue) MarkProcessing(ctx context.Context, id int64) error {
	return q.setStatus(ctx, id, StatusProcessing, "")
}

// RecoverStranded resets processing entries back to pending. An entry
// can only be observed as processing outside a live drain pass when a
// previous process died between marking it and recording an outcome;
// the reset puts it back in drain order without charging its retry
// budget. Inserts are upserts-by-id on the backend, so replaying an
// entry whose call may have already landed is safe.
func (q *Queue) RecoverStranded(ctx context.Context) (int64, error) {
	res, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE mutations SET status = ? WHERE status = ?`,
		string(StatusPending), string(StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stranded mutations: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Printf("Recovered %d stranded in-flight mutations", n)
		q.NotifyChanged(ctx, "")
	}
	return n, nil
}

// MarkFailed records a retryable failure: retry_count += 1, status
// failed, or dead once retry_count reaches max_retries.
func (q *Queue) MarkFailed(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE mutations SET retry_count = retry_count + 1, last_error = ?
			WHERE id = ?`, msg, id); err != nil {
			return fmt.Errorf("failed to bump retry count: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE mutations SET status = CASE
				WHEN retry_count >= max_retries THEN ?
				ELSE ?
			END
			WHERE id = ?`, string(StatusDead), string(StatusFailed), id); err != nil {
			return fmt.Errorf("failed to set failure status: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark mutation %d failed: %w", id, err)
	}

	m, getErr := q.Get(ctx, id)
	if getErr == nil && m.Status == StatusDead && q.bus != nil {
		q.bus.Publish(events.Event{Type: events.TypeMutationDead, Table: m.Table, Payload: m})
	}
	q.NotifyChanged(ctx, "")
	return nil
}

// MarkDead transitions a mutation to dead immediately, bypassing the
// retry budget. Used for fatal (validation-shaped) failures.
func (q *Queue) MarkDead(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := q.setStatus(ctx, id, StatusDead, msg); err != nil {
		return err
	}

	if q.bus != nil {
		if m, err := q.Get(ctx, id); err == nil {
			q.bus.Publish(events.Event{Type: events.TypeMutationDead, Table: m.Table, Payload: m})
		}
	}
	q.NotifyChanged(ctx, "")
	return nil
}

// Remove deletes a mutation from the queue (successful transmission).
func (q *Queue) Remove(ctx context.Context, id int64) error {
	return q.RemoveIn(ctx, q.db.RawDB(), id)
}

// RemoveIn deletes a mutation through the given Querier so the
// removal can join a reconciliation transaction.
func (q *Queue) RemoveIn(ctx context.Context, querier store.Querier, id int64) error {
	if _, err := querier.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove mutation %d: %w", id, err)
	}
	return nil
}

// ResetFailed resurrects failed and dead mutations to pending with a
// zeroed retry count. This is the explicit "retry all failed" reset;
// nothing else resurrects a dead entry.
func (q *Queue) ResetFailed(ctx context.Context) (int64, error) {
	res, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE mutations SET status = ?, retry_count = 0, last_error = NULL
		WHERE status IN (?, ?)`,
		string(StatusPending), string(StatusFailed), string(StatusDead))
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed mutations: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		q.NotifyChanged(ctx, "")
	}
	return n, nil
}

// PurgeDead removes dead entries older than DeadRetention.
func (q *Queue) PurgeDead(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-DeadRetention).Format(time.RFC3339Nano)
	res, err := q.db.RawDB().ExecContext(ctx, `
		DELETE FROM mutations WHERE status = ? AND enqueued_at < ?`,
		string(StatusDead), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead mutations: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Printf("Purged %d dead mutations older than %v", n, DeadRetention)
		q.NotifyChanged(ctx, "")
	}
	return n, nil
}

// PendingCount returns the number of non-terminal queue entries
// (pending, processing and failed).
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.db.RawDB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mutations WHERE status IN (?, ?, ?)`,
		string(StatusPending), string(StatusProcessing), string(StatusFailed)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	return n, nil
}

// CountByStatus returns queue depth per status for status reporting.
func (q *Queue) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.RawDB().QueryContext(ctx, `
		SELECT status, COUNT(*) FROM mutations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count mutations by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}
	return counts, nil
}

// RewriteRecordRefs rewrites mutations that reference oldID, either as
// their target record or as a member_id foreign key in the payload,
// onto newID. Runs through the caller's transaction as part of the
// unique-key remap recovery.
func (q *Queue) RewriteRecordRefs(ctx context.Context, querier store.Querier, oldID, newID string) error {
	rows, err := querier.QueryContext(ctx,
		mutationSelect+` WHERE status IN (?, ?, ?)`,
		string(StatusPending), string(StatusProcessing), string(StatusFailed))
	if err != nil {
		return fmt.Errorf("failed to query mutations for rewrite: %w", err)
	}

	muts, err := scanMutations(rows)
	rows.Close()
	if err != nil {
		return err
	}

	for _, m := range muts {
		changed := false

		recordID := m.RecordID
		if recordID == oldID {
			recordID = newID
			changed = true
		}

		var payload map[string]any
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return fmt.Errorf("failed to decode payload of mutation %d: %w", m.ID, err)
		}
		if v, ok := payload["id"].(string); ok && v == oldID {
			payload["id"] = newID
			changed = true
		}
		if v, ok := payload["member_id"].(string); ok && v == oldID {
			payload["member_id"] = newID
			changed = true
		}

		if !changed {
			continue
		}

		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to re-encode payload of mutation %d: %w", m.ID, err)
		}
		if _, err := querier.ExecContext(ctx, `
			UPDATE mutations SET record_id = ?, payload = ? WHERE id = ?`,
			recordID, string(data), m.ID); err != nil {
			return fmt.Errorf("failed to rewrite mutation %d: %w", m.ID, err)
		}
	}
	return nil
}

// setStatus updates the status (and optionally last_error) of one
// mutation.
func (q *Queue) setStatus(ctx context.Context, id int64, status Status, errMsg string) error {
	var err error
	if errMsg != "" {
		_, err = q.db.RawDB().ExecContext(ctx,
			`UPDATE mutations SET status = ?, last_error = ? WHERE id = ?`,
			string(status), errMsg, id)
	} else {
		_, err = q.db.RawDB().ExecContext(ctx,
			`UPDATE mutations SET status = ? WHERE id = ?`,
			string(status), id)
	}
	if err != nil {
		return fmt.Errorf("failed to set mutation %d status to %s: %w", id, status, err)
	}
	return nil
}

func scanMutationFrom(s interface{ Scan(dest ...any) error }) (*Mutation, error) {
	var m Mutation
	var op, status, enqueuedAt, payload string
	var lastError sql.NullString

	err := s.Scan(
		&m.ID,
		&op,
		&m.Table,
		&m.RecordID,
		&payload,
		&enqueuedAt,
		&m.RetryCount,
		&m.MaxRetries,
		&status,
		&m.Priority,
		&lastError,
	)
	if err != nil {
		return nil, err
	}

	m.Op = Op(op)
	m.Status = Status(status)
	m.Payload = json.RawMessage(payload)
	m.LastError = lastError.String
	if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
		m.EnqueuedAt = t
	}
	return &m, nil
}

func scanMutation(row *sql.Row) (*Mutation, error) {
	return scanMutationFrom(row)
}

func scanMutations(rows *sql.Rows) ([]*Mutation, error) {
	var muts []*Mutation
	for rows.Next() {
		m, err := scanMutationFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		muts = append(muts, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}
	return muts, nil
}
