// Package repo provides the table-oriented write surface of the
// application.
//
// Every write goes through a repository, never to the store directly:
// a repository pairs the durable record write with a mutation queue
// entry in one transaction, so a crash can never leave a record
// modified without a queued sync (or the reverse). Reads are served
// locally and never touch the network.
package repo

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/events"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/queue"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/store"
)

// base carries the shared plumbing of all repositories.
type base struct {
	db     *store.DB
	queue  *queue.Queue
	bus    *events.Bus
	logger *log.Logger
	now    func() time.Time
}

func newBase(db *store.DB, q *queue.Queue, bus *events.Bus, logger *log.Logger) base {
	if logger == nil {
		logger = log.New(os.Stderr, "[repo] ", log.LstdFlags)
	}
	return base{
		db:     db,
		queue:  q,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// notifyChanged publishes the post-commit notifications for a write.
func (b *base) notifyChanged(ctx context.Context, table string) {
	b.queue.NotifyChanged(ctx, table)
	if b.bus != nil {
		b.bus.Publish(events.Event{Type: events.TypeRecordChanged, Table: table})
	}
}

// deletePayload is the minimal payload enqueued for a delete: the
// record itself is already gone locally.
type deletePayload struct {
	ID string `json:"id"`
}
