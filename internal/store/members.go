package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/schema"
)

// UpsertMember inserts or updates a member record.
func (db *DB) UpsertMember(ctx context.Context, m *schema.Member) error {
	return UpsertMemberIn(ctx, db.conn, m)
}

// UpsertMemberIn inserts or updates a member through the given
// Querier, allowing the write to join a larger transaction.
func UpsertMemberIn(ctx context.Context, q Querier, m *schema.Member) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid member: %w", err)
	}

	query := `
	INSERT INTO members (
		id, name, email, phone, joined_at, active, left_at,
		sync_status, last_modified, version
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		email = excluded.email,
		phone = excluded.phone,
		joined_at = excluded.joined_at,
		active = excluded.active,
		left_at = excluded.left_at,
		sync_status = excluded.sync_status,
		last_modified = excluded.last_modified,
		version = excluded.version
	`

	_, err := q.ExecContext(ctx, query,
		m.ID,
		m.Name,
		m.Email,
		m.Phone,
		m.JoinedAt.Format(time.RFC3339Nano),
		boolToInt(m.Active),
		timeToNullString(m.LeftAt),
		string(m.SyncStatus),
		m.LastModified.Format(time.RFC3339Nano),
		m.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert member %s: %w", m.ID, err)
	}
	return nil
}

// GetMember retrieves a single member by id.
// Returns sql.ErrNoRows if the member is not found.
func (db *DB) GetMember(ctx context.Context, id string) (*schema.Member, error) {
	return getMemberIn(ctx, db.conn, id)
}

func getMemberIn(ctx context.Context, q Querier, id string) (*schema.Member, error) {
	row := q.QueryRowContext(ctx, memberSelect+` WHERE id = ?`, id)
	return scanMember(row)
}

const memberSelect = `
	SELECT id, name, email, phone, joined_at, active, left_at,
	       sync_status, last_modified, version
	FROM members`

// MemberFilter configures ListMembers.
type MemberFilter struct {
	// Active filters by activity when non-nil.
	Active *bool
	// SyncStatus filters by sync state (empty = all).
	SyncStatus schema.SyncStatus
	// Limit restricts the number of results (0 = no limit).
	Limit int
	// Offset skips the first N results.
	Offset int
}

// ListMembers retrieves members matching the filter, ordered by name.
func (db *DB) ListMembers(ctx context.Context, filter MemberFilter) ([]*schema.Member, error) {
	var conditions []string
	var args []any

	if filter.Active != nil {
		conditions = append(conditions, "active = ?")
		args = append(args, boolToInt(*filter.Active))
	}
	if filter.SyncStatus != "" {
		conditions = append(conditions, "sync_status = ?")
		args = append(args, string(filter.SyncStatus))
	}

	query := memberSelect
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY name ASC"

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
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	return scanMembers(rows)
}

// SearchMembers finds members whose name or email contains the term.
func (db *DB) SearchMembers(ctx context.Context, term string) ([]*schema.Member, error) {
	pattern := "%" + term + "%"
	query := memberSelect + `
	WHERE name LIKE ? OR email LIKE ?
	ORDER BY name ASC`

	rows, err := db.conn.QueryContext(ctx, query, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to search members: %w", err)
	}
	defer rows.Close()

	return scanMembers(rows)
}

// DeleteMemberIn removes a member row. Idempotent. Members are
// normally soft-deleted through the repository; this primitive exists
// for server-wins reconciliation of deleted records.
func DeleteMemberIn(ctx context.Context, q Querier, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM members WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete member %s: %w", id, err)
	}
	return nil
}

// RemapMemberID rewrites every reference to oldID onto newID: the
// member row itself plus the member_id foreign keys on payments and
// tickets. Must run inside the same transaction as the pending
// mutation payload rewrite so the remap is all-or-nothing.
func RemapMemberID(ctx context.Context, q Querier, oldID, newID string) error {
	if _, err := q.ExecContext(ctx, `UPDATE members SET id = ? WHERE id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("failed to remap member id: %w", err)
	}
	if _, err := q.ExecContext(ctx, `UPDATE payments SET member_id = ? WHERE member_id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("failed to remap payment member refs: %w", err)
	}
	if _, err := q.ExecContext(ctx, `UPDATE tickets SET member_id = ? WHERE member_id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("failed to remap ticket member refs: %w", err)
	}
	return nil
}

// SetSyncStatus updates the sync_status tag of a record in the given
// table. Returns an error for unknown tables (programmer error).
func SetSyncStatus(ctx context.Context, q Querier, table, id string, status schema.SyncStatus) error {
	switch table {
	case schema.TableMembers, schema.TablePayments, schema.TableTickets:
	default:
		return fmt.Errorf("unknown table %q", table)
	}

	query := fmt.Sprintf(`UPDATE %s SET sync_status = ? WHERE id = ?`, table)
	if _, err := q.ExecContext(ctx, query, string(status), id); err != nil {
		return fmt.Errorf("failed to set sync status on %s/%s: %w", table, id, err)
	}
	return nil
}

// LastModified reads the conflict-detection timestamp of a record.
// Returns sql.ErrNoRows if the record does not exist.
func LastModified(ctx context.Context, q Querier, table, id string) (time.Time, error) {
	switch table {
	case schema.TableMembers, schema.TablePayments, schema.TableTickets:
	default:
		return time.Time{}, fmt.Errorf("unknown table %q", table)
	}

	var raw string
	query := fmt.Sprintf(`SELECT last_modified FROM %s WHERE id = ?`, table)
	if err := q.QueryRowContext(ctx, query, id).Scan(&raw); err != nil {
		return time.Time{}, err
	}

	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad last_modified on %s/%s: %w", table, id, err)
	}
	return ts, nil
}

// SetLastModified updates the conflict-detection timestamp of a
// record. After a successful push this is set to the server's
// updated_at, so a later conflict check compares the server against
// what it last acknowledged rather than against the local edit time.
// Without this, a record's own just-pushed write would read as a
// conflict for any still-queued update behind it.
func SetLastModified(ctx context.Context, q Querier, table, id string, ts time.Time) error {
	switch table {
	case schema.TableMembers, schema.TablePayments, schema.TableTickets:
	default:
		return fmt.Errorf("unknown table %q", table)
	}

	query := fmt.Sprintf(`UPDATE %s SET last_modified = ? WHERE id = ?`, table)
	if _, err := q.ExecContext(ctx, query, ts.Format(time.RFC3339Nano), id); err != nil {
		return fmt.Errorf("failed to set last_modified on %s/%s: %w", table, id, err)
	}
	return nil
}

// RecordCounts returns per-table record counts for status reporting.
func (db *DB) RecordCounts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, 3)
	for _, table := range []string{schema.TableMembers, schema.TablePayments, schema.TableTickets} {
		var n int
		query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)
		if err := db.conn.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemberFrom(s rowScanner) (*schema.Member, error) {
	var m schema.Member
	var joinedAt, lastModified, syncStatus string
	var active int
	var leftAt sql.NullString

	err := s.Scan(
		&m.ID,
		&m.Name,
		&m.Email,
		&m.Phone,
		&joinedAt,
		&active,
		&leftAt,
		&syncStatus,
		&lastModified,
		&m.Version,
	)
	if err != nil {
		return nil, err
	}

	m.JoinedAt = parseTime(joinedAt)
	m.Active = active != 0
	m.LeftAt = nullStringToTime(leftAt)
	m.SyncStatus = schema.SyncStatus(syncStatus)
	m.LastModified = parseTime(lastModified)
	return &m, nil
}

func scanMember(row *sql.Row) (*schema.Member, error) {
	return scanMemberFrom(row)
}

func scanMembers(rows *sql.Rows) ([]*schema.Member, error) {
	var members []*schema.Member
	for rows.Next() {
		m, err := scanMemberFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating members: %w", err)
	}
	return members, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
