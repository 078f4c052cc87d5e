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

// Payments is the repository for payment records.
type Payments struct {
	base
}

// NewPayments creates a payment repository.
func NewPayments(db *store.DB, q *queue.Queue, bus *events.Bus, logger *log.Logger) *Payments {
	return &Payments{base: newBase(db, q, bus, logger)}
}

// Create registers a new payment. The member name is denormalized from
// the local member record; the receipt number stays zero until the
// server assigns one during sync.
func (r *Payments) Create(ctx context.Context, p *schema.Payment) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.SetDefaults()

	if p.MemberName == "" && p.MemberID != "" {
		if m, err := r.db.GetMember(ctx, p.MemberID); err == nil {
			p.MemberName = m.Name
		}
	}

	p.Touch(r.now())
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid payment: %w", err)
	}

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.UpsertPaymentIn(ctx, tx, p); err != nil {
			return err
		}
		_, err := r.queue.EnqueueTx(ctx, tx, queue.OpInsert, schema.TablePayments, p.ID, p)
		return err
	})
	if err != nil {
		return err
	}

	r.notifyChanged(ctx, schema.TablePayments)
	return nil
}

// Update modifies an existing payment.
func (r *Payments) Update(ctx context.Context, p *schema.Payment) error {
	if p.ID == "" {
		return fmt.Errorf("payment id is required")
	}
	p.Touch(r.now())
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid payment: %w", err)
	}

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.UpsertPaymentIn(ctx, tx, p); err != nil {
			return err
		}
		_, err := r.queue.EnqueueTx(ctx, tx, queue.OpUpdate, schema.TablePayments, p.ID, p)
		return err
	})
	if err != nil {
		return err
	}

	r.notifyChanged(ctx, schema.TablePayments)
	return nil
}

// Delete removes a payment locally and queues the server-side delete.
// Deleting an id that is already gone is not an error.
func (r *Payments) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("payment id is required")
	}

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.DeletePaymentIn(ctx, tx, id); err != nil {
			return err
		}
		_, err := r.queue.EnqueueTx(ctx, tx, queue.OpDelete, schema.TablePayments, id, deletePayload{ID: id})
		return err
	})
	if err != nil {
		return err
	}

	r.notifyChanged(ctx, schema.TablePayments)
	return nil
}

// Get returns a payment by id.
func (r *Payments) Get(ctx context.Context, id string) (*schema.Payment, error) {
	return r.db.GetPayment(ctx, id)
}

// List returns payments matching the filter, newest first.
func (r *Payments) List(ctx context.Context, filter store.PaymentFilter) ([]*schema.Payment, error) {
	return r.db.ListPayments(ctx, filter)
}

// Search returns payments whose concept or member name contains the
// term.
func (r *Payments) Search(ctx context.Context, term string) ([]*schema.Payment, error) {
	return r.db.SearchPayments(ctx, term)
}
