// Package conflict detects and resolves divergence between local and
// server versions of a record.
//
// Detection is opportunistic: before a queued local write overwrites
// a record on the backend, the resolver compares the server's
// updated_at against the local record's last_modified. The server
// copy having strictly advanced past the local write is a conflict.
//
// Three strategies settle a conflict: server-wins (default) discards
// the local change and overwrites the local copy; local-wins force
// pushes local data; manual persists the conflict unresolved and
// refuses to proceed until an explicit choice is supplied. A failed
// resolution leaves the conflict unresolved for the next explicit
// attempt; it never re-enters the mutation queue's retry path.
package conflict

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/events"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/remote"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/schema"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/store"
)

// Strategy selects how a detected conflict is settled.
type Strategy string

const (
	// StrategyServerWins discards the local pending change and
	// overwrites the local record with the server's data.
	StrategyServerWins Strategy = "server-wins"
	// StrategyLocalWins force-pushes local data to the server
	// regardless of its current state.
	StrategyLocalWins Strategy = "local-wins"
	// StrategyManual persists the conflict and blocks until an
	// explicit local/server choice is supplied.
	StrategyManual Strategy = "manual"
)

// Resolution is the recorded outcome of a settled conflict.
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionServer Resolution = "server"
)

// Conflict is a detected divergence awaiting or holding a resolution.
type Conflict struct {
	ID         int64           `json:"id"`
	Table      string          `json:"table"`
	RecordID   string          `json:"record_id"`
	LocalData  json.RawMessage `json:"local_data"`
	ServerData json.RawMessage `json:"server_data"`
	LocalTS    time.Time       `json:"local_ts"`
	ServerTS   time.Time       `json:"server_ts"`
	DetectedAt time.Time       `json:"detected_at"`
	Resolved   bool            `json:"resolved"`
	Resolution Resolution      `json:"resolution,omitempty"`
}

// Backend is the remote surface the resolver needs.
type Backend interface {
	Get(ctx context.Context, table, id string) (remote.Record, error)
	Update(ctx context.Context, table, id string, payload remote.Record) (remote.Record, error)
}

// Resolver detects and settles conflicts.
type Resolver struct {
	db      *store.DB
	backend Backend
	bus     *events.Bus
	logger  *log.Logger
}

// New creates a Resolver. The bus may be nil; if logger is nil a
// default stderr logger is used.
func New(db *store.DB, backend Backend, bus *events.Bus, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(os.Stderr, "[conflict] ", log.LstdFlags)
	}
	return &Resolver{
		db:      db,
		backend: backend,
		bus:     bus,
		logger:  logger,
	}
}

// Divergence describes a detected conflict before it is settled.
type Divergence struct {
	Table      string
	RecordID   string
	ServerData remote.Record
	ServerTS   time.Time
	LocalTS    time.Time
}

// Check fetches the server's copy of the record and reports whether
// it has advanced past the local write timestamped localModified.
// Returns (nil, nil) when there is no conflict, including when the
// record does not exist on the server yet.
func (r *Resolver) Check(ctx context.Context, table, recordID string, localModified time.Time) (*Divergence, error) {
	serverRecord, err := r.backend.Get(ctx, table, recordID)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch server copy of %s/%s: %w", table, recordID, err)
	}

	serverTS, err := serverTimestamp(serverRecord)
	if err != nil {
		return nil, fmt.Errorf("server copy of %s/%s: %w", table, recordID, err)
	}

	if !serverTS.After(localModified) {
		return nil, nil
	}

	r.logger.Printf("Conflict on %s/%s: server %v > local %v",
		table, recordID, serverTS.Format(time.RFC3339), localModified.Format(time.RFC3339))

	return &Divergence{
		Table:      table,
		RecordID:   recordID,
		ServerData: serverRecord,
		ServerTS:   serverTS,
		LocalTS:    localModified,
	}, nil
}

// ApplyServerWins overwrites the local record with the server's data
// and marks it synced. The pending local change is discarded by the
// caller (queue removal) in the same logical step.
func (r *Resolver) ApplyServerWins(ctx context.Context, div *Divergence) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		return applyServerRecord(ctx, tx, div.Table, div.ServerData, div.ServerTS)
	})
}

// ApplyLocalWins force-pushes the given payload to the server and
// marks the local record synced.
func (r *Resolver) ApplyLocalWins(ctx context.Context, table, recordID string, payload remote.Record) error {
	schema.StripControlFields(payload)
	if _, err := r.backend.Update(ctx, table, recordID, payload); err != nil {
		return fmt.Errorf("failed to force-push %s/%s: %w", table, recordID, err)
	}
	if err := store.SetSyncStatus(ctx, r.db.RawDB(), table, recordID, schema.StatusSynced); err != nil {
		return err
	}
	return nil
}

// PersistManual stores an unresolved conflict, tags the local record
// as conflicted, and publishes a conflict-detected event. The caller
// must not push the pending change until ResolveManual settles it.
func (r *Resolver) PersistManual(ctx context.Context, div *Divergence, localData any) (int64, error) {
	localJSON, err := json.Marshal(localData)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal local data: %w", err)
	}
	serverJSON, err := json.Marshal(div.ServerData)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal server data: %w", err)
	}

	var id int64
	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO conflicts (tbl, record_id, local_data, server_data,
			                       local_ts, server_ts, detected_at, resolved)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
			div.Table,
			div.RecordID,
			string(localJSON),
			string(serverJSON),
			div.LocalTS.Format(time.RFC3339Nano),
			div.ServerTS.Format(time.RFC3339Nano),
			time.Now().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("failed to persist conflict: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get conflict id: %w", err)
		}
		return store.SetSyncStatus(ctx, tx, div.Table, div.RecordID, schema.StatusConflict)
	})
	if err != nil {
		return 0, err
	}

	if r.bus != nil {
		r.bus.Publish(events.Event{Type: events.TypeConflictDetected, Table: div.Table, Payload: id})
	}
	return id, nil
}

const conflictSelect = `
	SELECT id, tbl, record_id, local_data, server_data,
	       local_ts, server_ts, detected_at, resolved, resolution
	FROM conflicts`

// ListUnresolved returns conflicts awaiting a manual choice, oldest
// first.
func (r *Resolver) ListUnresolved(ctx context.Context) ([]*Conflict, error) {
	rows, err := r.db.RawDB().QueryContext(ctx,
		conflictSelect+` WHERE resolved = 0 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	return scanConflicts(rows)
}

// Get retrieves a single conflict by id.
// Returns sql.ErrNoRows if not found.
func (r *Resolver) Get(ctx context.Context, id int64) (*Conflict, error) {
	row := r.db.RawDB().QueryRowContext(ctx, conflictSelect+` WHERE id = ?`, id)
	return scanConflictFrom(row)
}

// UnresolvedCount returns the number of conflicts awaiting a choice.
func (r *Resolver) UnresolvedCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.RawDB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflicts WHERE resolved = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return n, nil
}

// ResolveManual settles a persisted conflict with an explicit choice.
// On failure the conflict stays unresolved and can be retried with
// another explicit call.
func (r *Resolver) ResolveManual(ctx context.Context, id int64, choice Resolution) error {
	c, err := r.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load conflict %d: %w", id, err)
	}
	if c.Resolved {
		return fmt.Errorf("conflict %d is already resolved (%s)", id, c.Resolution)
	}

	switch choice {
	case ResolutionServer:
		var serverData remote.Record
		if err := json.Unmarshal(c.ServerData, &serverData); err != nil {
			return fmt.Errorf("failed to decode server data of conflict %d: %w", id, err)
		}
		err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
			if err := applyServerRecord(ctx, tx, c.Table, serverData, c.ServerTS); err != nil {
				return err
			}
			return markConflictResolved(ctx, tx, id, choice)
		})
		if err != nil {
			return err
		}

	case ResolutionLocal:
		var localData remote.Record
		if err := json.Unmarshal(c.LocalData, &localData); err != nil {
			return fmt.Errorf("failed to decode local data of conflict %d: %w", id, err)
		}
		if err := r.ApplyLocalWins(ctx, c.Table, c.RecordID, localData); err != nil {
			return err
		}
		if err := markConflictResolved(ctx, r.db.RawDB(), id, choice); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown resolution %q", choice)
	}

	r.logger.Printf("Resolved conflict %d on %s/%s: %s", id, c.Table, c.RecordID, choice)
	return nil
}

func markConflictResolved(ctx context.Context, q store.Querier, id int64, choice Resolution) error {
	if _, err := q.ExecContext(ctx,
		`UPDATE conflicts SET resolved = 1, resolution = ? WHERE id = ?`,
		string(choice), id); err != nil {
		return fmt.Errorf("failed to mark conflict %d resolved: %w", id, err)
	}
	return nil
}

// applyServerRecord decodes a server record into the matching local
// shape, stamps it synced at the server's timestamp, and upserts it.
func applyServerRecord(ctx context.Context, q store.Querier, table string, serverData remote.Record, serverTS time.Time) error {
	data, err := json.Marshal(serverData)
	if err != nil {
		return fmt.Errorf("failed to re-encode server data: %w", err)
	}

	switch table {
	case schema.TableMembers:
		var m schema.Member
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to decode server member: %w", err)
		}
		m.SyncStatus = schema.StatusSynced
		m.LastModified = serverTS
		return store.UpsertMemberIn(ctx, q, &m)

	case schema.TablePayments:
		var p schema.Payment
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("failed to decode server payment: %w", err)
		}
		p.SyncStatus = schema.StatusSynced
		p.LastModified = serverTS
		return store.UpsertPaymentIn(ctx, q, &p)

	case schema.TableTickets:
		var t schema.Ticket
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("failed to decode server ticket: %w", err)
		}
		t.SyncStatus = schema.StatusSynced
		t.LastModified = serverTS
		return store.UpsertTicketIn(ctx, q, &t)

	default:
		return fmt.Errorf("unknown table %q", table)
	}
}

// serverTimestamp extracts the revision marker from a server record.
func serverTimestamp(record remote.Record) (time.Time, error) {
	raw, ok := record["updated_at"].(string)
	if !ok {
		return time.Time{}, fmt.Errorf("missing updated_at")
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, raw)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid updated_at %q: %w", raw, err)
	}
	return ts, nil
}

func scanConflictFrom(s interface{ Scan(dest ...any) error }) (*Conflict, error) {
	var c Conflict
	var localData, serverData, localTS, serverTS, detectedAt string
	var resolved int
	var resolution sql.NullString

	err := s.Scan(
		&c.ID,
		&c.Table,
		&c.RecordID,
		&localData,
		&serverData,
		&localTS,
		&serverTS,
		&detectedAt,
		&resolved,
		&resolution,
	)
	if err != nil {
		return nil, err
	}

	c.LocalData = json.RawMessage(localData)
	c.ServerData = json.RawMessage(serverData)
	c.Resolved = resolved != 0
	c.Resolution = Resolution(resolution.String)
	if t, err := time.Parse(time.RFC3339Nano, localTS); err == nil {
		c.LocalTS = t
	}
	if t, err := time.Parse(time.RFC3339Nano, serverTS); err == nil {
		c.ServerTS = t
	}
	if t, err := time.Parse(time.RFC3339Nano, detectedAt); err == nil {
		c.DetectedAt = t
	}
	return &c, nil
}

func scanConflicts(rows *sql.Rows) ([]*Conflict, error) {
	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflictFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}
