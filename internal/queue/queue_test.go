package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/store"
)

func testQueue(t *testing.T) (*Queue, *store.DB) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() error: %v", err)
	}

	return New(db, nil, log.New(io.Discard, "", 0)), db
}

func enqueue(t *testing.T, q *Queue, db *store.DB, op Op, table, recordID string, payload any) int64 {
	t.Helper()

	var id int64
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		id, err = q.EnqueueTx(context.Background(), tx, op, table, recordID, payload)
		return err
	})
	if err != nil {
		t.Fatalf("EnqueueTx() error: %v", err)
	}
	return id
}

func TestQueue_DrainOrder(t *testing.T) {
	q, db := testQueue(t)
	ctx := context.Background()

	// Three writes in sequence; the drain order must be insertion
	// order regardless of content.
	enqueue(t, q, db, OpInsert, "members", "mem-1", map[string]any{"id": "mem-1"})
	enqueue(t, q, db, OpUpdate, "members", "mem-1", map[string]any{"id": "mem-1", "name": "a"})
	enqueue(t, q, db, OpDelete, "payments", "pay-1", map[string]any{"id": "pay-1"})

	muts, err := q.GetPending(ctx)
	if err != nil {
		t.Fatalf("GetPending() error: %v", err)
	}
	if len(muts) != 3 {
		t.Fatalf("GetPending() = %d mutations, want 3", len(muts))
	}

	wantOps := []Op{OpInsert, OpUpdate, OpDelete}
	for i, m := range muts {
		if m.Op != wantOps[i] {
			t.Errorf("mutation %d op = %s, want %s", i, m.Op, wantOps[i])
		}
	}
}

func TestQueue_EnqueueRollsBackWithRecordWrite(t *testing.T) {
	q, db := testQueue(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := q.EnqueueTx(ctx, tx, OpInsert, "members", "mem-1", map[string]any{"id": "mem-1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}

	n, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("PendingCount() = %d after rollback, want 0", n)
	}
}

func TestQueue_MarkFailedExhaustsToDeadAfterMaxRetries(t *testing.T) {
	q, db := testQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, db, OpInsert, "members", "mem-1", map[string]any{"id": "mem-1"})

	cause := errors.New("connection refused")
	for i := 1; i <= DefaultMaxRetries; i++ {
		if err := q.MarkFailed(ctx, id, cause); err != nil {
			t.Fatalf("MarkFailed() attempt %d error: %v", i, err)
		}

		m, err := q.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if m.RetryCount != i {
			t.Errorf("attempt %d: retry_count = %d, want %d", i, m.RetryCount, i)
		}

		wantStatus := StatusFailed
		if i == DefaultMaxRetries {
			wantStatus = StatusDead
		}
		if m.Status != wantStatus {
			t.Errorf("attempt %d: status = %s, want %s", i, m.Status, wantStatus)
		}
	}

	// Dead mutations never come back in the drain set.
	muts, err := q.GetRetryable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(muts) != 0 {
		t.Errorf("GetRetryable() returned %d mutations, dead entries must be excluded", len(muts))
	}
}

func TestQueue_FailedStaysRetryable(t *testing.T) {
	q, db := testQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, db, OpInsert, "members", "mem-1", map[string]any{"id": "mem-1"})
	if err := q.MarkFailed(ctx, id, errors.New("timeout")); err != nil {
		t.Fatal(err)
	}

	// Below the retry budget the mutation stays in the drain set but
	// leaves GetPending (which is pending-only).
	retryable, err := q.GetRetryable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(retryable) != 1 {
		t.Fatalf("GetRetryable() = %d mutations, want 1", len(retryable))
	}
	pending, err := q.GetPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("GetPending() = %d mutations, want 0 for a failed entry", len(pending))
	}
}

func TestQueue_RecoverStrandedRestoresInFlightEntries(t *testing.T) {
	q, db := testQueue(t)
	ctx := context.Background()

	inFlight := enqueue(t, q, db, OpInsert, "members", "mem-1", map[string]any{"id": "mem-1"})
	dead := enqueue(t, q, db, OpInsert, "members", "mem-2", map[string]any{"id": "mem-2"})

	// Simulates a process that died after claiming the entry but
	// before recording an outcome.
	if err := q.MarkProcessing(ctx, inFlight); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkDead(ctx, dead, errors.New("validation rejected")); err != nil {
		t.Fatal(err)
	}

	n, err := q.RecoverStranded(ctx)
	if err != nil {
		t.Fatalf("RecoverStranded() error: %v", err)
	}
	if n != 1 {
		t.Errorf("RecoverStranded() = %d, want 1 (dead entries stay dead)", n)
	}

	m, err := q.Get(ctx, inFlight)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusPending {
		t.Errorf("recovered mutation status = %s, want pending", m.Status)
	}
	if m.RetryCount != 0 {
		t.Errorf("recovery charged %d retries, want 0", m.RetryCount)
	}

	// Back in the drain set.
	muts, err := q.GetRetryable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(muts) != 1 || muts[0].ID != inFlight {
		t.Errorf("GetRetryable() = %+v, want the recovered entry only", muts)
	}

	// Idempotent once nothing is stranded.
	if n, err = q.RecoverStranded(ctx); err != nil || n != 0 {
		t.Errorf("second RecoverStranded() = (%d, %v), want (0, nil)", n, err)
	}
}

func TestQueue_ResetFailed(t *testing.T) {
	q, db := testQueue(t)
	ctx := context.Background()

	failed := enqueue(t, q, db, OpInsert, "members", "mem-1", map[string]any{"id": "mem-1"})
	dead := enqueue(t, q, db, OpInsert, "members", "mem-2", map[string]any{"id": "mem-2"})

	if err := q.MarkFailed(ctx, failed, errors.New("timeout")); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkDead(ctx, dead, errors.New("validation rejected")); err != nil {
		t.Fatal(err)
	}

	n, err := q.ResetFailed(ctx)
	if err != nil {
		t.Fatalf("ResetFailed() error: %v", err)
	}
	if n != 2 {
		t.Errorf("ResetFailed() = %d, want 2", n)
	}

	for _, id := range []int64{failed, dead} {
		m, err := q.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if m.Status != StatusPending {
			t.Errorf("mutation %d status = %s, want pending", id, m.Status)
		}
		if m.RetryCount != 0 {
			t.Errorf("mutation %d retry_count = %d, want 0", id, m.RetryCount)
		}
	}
}

func TestQueue_RewriteRecordRefs(t *testing.T) {
	q, db := testQueue(t)
	ctx := context.Background()

	// A member insert plus a payment referencing it, both still queued.
	memID := enqueue(t, q, db, OpInsert, "members", "local-id", map[string]any{"id": "local-id", "name": "Carmen"})
	payID := enqueue(t, q, db, OpInsert, "payments", "pay-1", map[string]any{"id": "pay-1", "member_id": "local-id"})

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		return q.RewriteRecordRefs(ctx, tx, "local-id", "server-id")
	})
	if err != nil {
		t.Fatalf("RewriteRecordRefs() error: %v", err)
	}

	mem, err := q.Get(ctx, memID)
	if err != nil {
		t.Fatal(err)
	}
	if mem.RecordID != "server-id" {
		t.Errorf("member mutation record_id = %s, want server-id", mem.RecordID)
	}

	pay, err := q.Get(ctx, payID)
	if err != nil {
		t.Fatal(err)
	}
	var payload map[string]any
	if err := json.Unmarshal(pay.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["member_id"] != "server-id" {
		t.Errorf("payment payload member_id = %v, want server-id", payload["member_id"])
	}
}

func TestQueue_RemoveAndCounts(t *testing.T) {
	q, db := testQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, db, OpInsert, "members", "mem-1", map[string]any{"id": "mem-1"})
	enqueue(t, q, db, OpInsert, "members", "mem-2", map[string]any{"id": "mem-2"})

	if err := q.Remove(ctx, id); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}

	n, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("PendingCount() = %d, want 1", n)
	}

	byStatus, err := q.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if byStatus[StatusPending] != 1 {
		t.Errorf("CountByStatus()[pending] = %d, want 1", byStatus[StatusPending])
	}
}
