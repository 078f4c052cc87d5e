package repo

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/events"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/queue"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/schema"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/store"
)

// Tickets is the repository for event tickets.
type Tickets struct {
	base
}

// NewTickets creates a ticket repository.
func NewTickets(db *store.DB, q *queue.Queue, bus *events.Bus, logger *log.Logger) *Tickets {
	return &Tickets{base: newBase(db, q, bus, logger)}
}

// Issue creates a new ticket. Offline issuance assigns the
// provisional placeholder number; the real per-event sequence number
// arrives during sync.
func (r *Tickets) Issue(ctx context.Context, t *schema.Ticket) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.SetDefaults()
	t.Touch(r.now())
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid ticket: %w", err)
	}

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.UpsertTicketIn(ctx, tx, t); err != nil {
			return err
		}
		_, err := r.queue.EnqueueTx(ctx, tx, queue.OpInsert, schema.TableTickets, t.ID, t)
		return err
	})
	if err != nil {
		return err
	}

	r.notifyChanged(ctx, schema.TableTickets)
	return nil
}

// Update modifies an existing ticket.
func (r *Tickets) Update(ctx context.Context, t *schema.Ticket) error {
	if t.ID == "" {
		return fmt.Errorf("ticket id is required")
	}
	t.Touch(r.now())
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid ticket: %w", err)
	}

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.UpsertTicketIn(ctx, tx, t); err != nil {
			return err
		}
		_, err := r.queue.EnqueueTx(ctx, tx, queue.OpUpdate, schema.TableTickets, t.ID, t)
		return err
	})
	if err != nil {
		return err
	}

	r.notifyChanged(ctx, schema.TableTickets)
	return nil
}

// Delete removes a ticket locally and queues the server-side delete.
func (r *Tickets) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("ticket id is required")
	}

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.DeleteTicketIn(ctx, tx, id); err != nil {
			return err
		}
		_, err := r.queue.EnqueueTx(ctx, tx, queue.OpDelete, schema.TableTickets, id, deletePayload{ID: id})
		return err
	})
	if err != nil {
		return err
	}

	r.notifyChanged(ctx, schema.TableTickets)
	return nil
}

// Get returns a ticket by id.
func (r *Tickets) Get(ctx context.Context, id string) (*schema.Ticket, error) {
	return r.db.GetTicket(ctx, id)
}

// List returns tickets matching the filter, ordered by event and
// sequence number.
func (r *Tickets) List(ctx context.Context, filter store.TicketFilter) ([]*schema.Ticket, error) {
	return r.db.ListTickets(ctx, filter)
}

// Search returns tickets whose event name contains the term.
func (r *Tickets) Search(ctx context.Context, term string) ([]*schema.Ticket, error) {
	return r.db.SearchTickets(ctx, term)
}
