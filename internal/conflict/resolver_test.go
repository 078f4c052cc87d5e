package conflict

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/remote"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/schema"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/store"
)

// fakeBackend serves scripted records and captures force-pushes.
type fakeBackend struct {
	mu      sync.Mutex
	records map[string]remote.Record // table/id -> record
	updates []remote.Record
	err     error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{records: make(map[string]remote.Record)}
}

func (b *fakeBackend) put(table, id string, record remote.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[table+"/"+id] = record
}

func (b *fakeBackend) Get(ctx context.Context, table, id string) (remote.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	record, ok := b.records[table+"/"+id]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return record, nil
}

func (b *fakeBackend) Update(ctx context.Context, table, id string, payload remote.Record) (remote.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.updates = append(b.updates, payload)
	return payload, nil
}

func testResolver(t *testing.T) (*Resolver, *store.DB, *fakeBackend) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatal(err)
	}

	backend := newFakeBackend()
	r := New(db, backend, nil, log.New(io.Discard, "", 0))
	return r, db, backend
}

func seedMember(t *testing.T, db *store.DB, id string, modified time.Time) {
	t.Helper()
	m := &schema.Member{
		ID: id, Name: "Carmen", Email: id + "@example.org",
		JoinedAt: modified, Active: true,
		SyncMeta: schema.SyncMeta{SyncStatus: schema.StatusPending, LastModified: modified, Version: 1},
	}
	if err := db.UpsertMember(context.Background(), m); err != nil {
		t.Fatal(err)
	}
}

func TestCheck_NoConflictWhenServerIsOlder(t *testing.T) {
	r, _, backend := testResolver(t)
	localTS := time.Now()

	backend.put("members", "mem-1", remote.Record{
		"id":         "mem-1",
		"updated_at": localTS.Add(-time.Hour).Format(time.RFC3339Nano),
	})

	div, err := r.Check(context.Background(), "members", "mem-1", localTS)
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if div != nil {
		t.Errorf("Check() = %+v, want nil for an older server copy", div)
	}
}

func TestCheck_NoConflictWhenRecordMissing(t *testing.T) {
	r, _, _ := testResolver(t)

	div, err := r.Check(context.Background(), "members", "never-pushed", time.Now())
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if div != nil {
		t.Errorf("Check() = %+v, want nil for a record the server has never seen", div)
	}
}

func TestCheck_ConflictWhenServerAdvanced(t *testing.T) {
	r, _, backend := testResolver(t)
	localTS := time.Now()
	serverTS := localTS.Add(time.Minute)

	backend.put("members", "mem-1", remote.Record{
		"id":         "mem-1",
		"name":       "Carmen (edited elsewhere)",
		"updated_at": serverTS.Format(time.RFC3339Nano),
	})

	div, err := r.Check(context.Background(), "members", "mem-1", localTS)
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if div == nil {
		t.Fatal("Check() = nil, want a divergence")
	}
	if !div.ServerTS.After(div.LocalTS) {
		t.Errorf("divergence timestamps: server %v, local %v", div.ServerTS, div.LocalTS)
	}
}

func TestCheck_EqualTimestampsAreNotAConflict(t *testing.T) {
	r, _, backend := testResolver(t)
	ts := time.Now().Truncate(time.Second)

	backend.put("members", "mem-1", remote.Record{
		"id":         "mem-1",
		"updated_at": ts.Format(time.RFC3339Nano),
	})

	div, err := r.Check(context.Background(), "members", "mem-1", ts)
	if err != nil {
		t.Fatal(err)
	}
	if div != nil {
		t.Error("Check() flagged a conflict for identical timestamps")
	}
}

func TestApplyServerWins_OverwritesLocalCopy(t *testing.T) {
	r, db, _ := testResolver(t)
	ctx := context.Background()
	localTS := time.Now()
	serverTS := localTS.Add(time.Minute)

	seedMember(t, db, "mem-1", localTS)

	div := &Divergence{
		Table:    "members",
		RecordID: "mem-1",
		ServerData: remote.Record{
			"id":     "mem-1",
			"name":   "Carmen (server)",
			"email":  "mem-1@example.org",
			"active": true,
		},
		ServerTS: serverTS,
		LocalTS:  localTS,
	}

	if err := r.ApplyServerWins(ctx, div); err != nil {
		t.Fatalf("ApplyServerWins() error: %v", err)
	}

	got, err := db.GetMember(ctx, "mem-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Carmen (server)" {
		t.Errorf("local name = %q, want the server version", got.Name)
	}
	if got.SyncStatus != schema.StatusSynced {
		t.Errorf("sync_status = %s, want synced", got.SyncStatus)
	}
	if !got.LastModified.Equal(serverTS) {
		t.Errorf("last_modified = %v, want server timestamp %v", got.LastModified, serverTS)
	}
}

func TestPersistManual_TagsRecordAndStoresConflict(t *testing.T) {
	r, db, _ := testResolver(t)
	ctx := context.Background()
	localTS := time.Now()

	seedMember(t, db, "mem-1", localTS)

	div := &Divergence{
		Table:      "members",
		RecordID:   "mem-1",
		ServerData: remote.Record{"id": "mem-1", "name": "Server"},
		ServerTS:   localTS.Add(time.Minute),
		LocalTS:    localTS,
	}

	id, err := r.PersistManual(ctx, div, map[string]any{"id": "mem-1", "name": "Local"})
	if err != nil {
		t.Fatalf("PersistManual() error: %v", err)
	}

	got, err := db.GetMember(ctx, "mem-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncStatus != schema.StatusConflict {
		t.Errorf("sync_status = %s, want conflict", got.SyncStatus)
	}

	unresolved, err := r.ListUnresolved(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(unresolved) != 1 || unresolved[0].ID != id {
		t.Errorf("ListUnresolved() = %+v, want the persisted conflict", unresolved)
	}

	n, err := r.UnresolvedCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("UnresolvedCount() = %d, want 1", n)
	}
}

func TestResolveManual_ServerChoice(t *testing.T) {
	r, db, _ := testResolver(t)
	ctx := context.Background()
	localTS := time.Now()

	seedMember(t, db, "mem-1", localTS)

	div := &Divergence{
		Table:    "members",
		RecordID: "mem-1",
		ServerData: remote.Record{
			"id": "mem-1", "name": "Server Version", "email": "mem-1@example.org", "active": true,
		},
		ServerTS: localTS.Add(time.Minute),
		LocalTS:  localTS,
	}
	id, err := r.PersistManual(ctx, div, map[string]any{"id": "mem-1", "name": "Local Version"})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.ResolveManual(ctx, id, ResolutionServer); err != nil {
		t.Fatalf("ResolveManual() error: %v", err)
	}

	got, err := db.GetMember(ctx, "mem-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Server Version" {
		t.Errorf("name = %q, want the server version", got.Name)
	}
	if got.SyncStatus != schema.StatusSynced {
		t.Errorf("sync_status = %s, want synced", got.SyncStatus)
	}

	c, err := r.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Resolved || c.Resolution != ResolutionServer {
		t.Errorf("conflict state = resolved %v resolution %s", c.Resolved, c.Resolution)
	}

	// Second resolution must be rejected.
	if err := r.ResolveManual(ctx, id, ResolutionLocal); err == nil {
		t.Error("ResolveManual() accepted an already resolved conflict")
	}
}

func TestResolveManual_LocalChoicePushesToServer(t *testing.T) {
	r, db, backend := testResolver(t)
	ctx := context.Background()
	localTS := time.Now()

	seedMember(t, db, "mem-1", localTS)

	div := &Divergence{
		Table:      "members",
		RecordID:   "mem-1",
		ServerData: remote.Record{"id": "mem-1", "name": "Server Version"},
		ServerTS:   localTS.Add(time.Minute),
		LocalTS:    localTS,
	}
	id, err := r.PersistManual(ctx, div, map[string]any{
		"id": "mem-1", "name": "Local Version", "sync_status": "pending",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.ResolveManual(ctx, id, ResolutionLocal); err != nil {
		t.Fatalf("ResolveManual() error: %v", err)
	}

	if len(backend.updates) != 1 {
		t.Fatalf("backend received %d updates, want 1", len(backend.updates))
	}
	pushed := backend.updates[0]
	if pushed["name"] != "Local Version" {
		t.Errorf("pushed name = %v, want Local Version", pushed["name"])
	}
	if _, ok := pushed["sync_status"]; ok {
		t.Error("control fields leaked into the pushed payload")
	}

	got, err := db.GetMember(ctx, "mem-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncStatus != schema.StatusSynced {
		t.Errorf("sync_status = %s, want synced", got.SyncStatus)
	}
}

func TestResolveManual_FailurePreservesConflict(t *testing.T) {
	r, db, backend := testResolver(t)
	ctx := context.Background()
	localTS := time.Now()

	seedMember(t, db, "mem-1", localTS)

	div := &Divergence{
		Table:      "members",
		RecordID:   "mem-1",
		ServerData: remote.Record{"id": "mem-1", "name": "Server Version"},
		ServerTS:   localTS.Add(time.Minute),
		LocalTS:    localTS,
	}
	id, err := r.PersistManual(ctx, div, map[string]any{"id": "mem-1", "name": "Local Version"})
	if err != nil {
		t.Fatal(err)
	}

	backend.err = errors.New("backend down")
	if err := r.ResolveManual(ctx, id, ResolutionLocal); err == nil {
		t.Fatal("ResolveManual() succeeded against a dead backend")
	}

	c, err := r.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if c.Resolved {
		t.Error("conflict marked resolved after a failed push")
	}

	// Once the backend recovers the same conflict resolves cleanly.
	backend.err = nil
	if err := r.ResolveManual(ctx, id, ResolutionLocal); err != nil {
		t.Errorf("ResolveManual() retry error: %v", err)
	}
}
