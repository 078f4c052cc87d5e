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

// Members is the repository for member records.
type Members struct {
	base
}

// NewMembers creates a member repository.
func NewMembers(db *store.DB, q *queue.Queue, bus *events.Bus, logger *log.Logger) *Members {
	return &Members{base: newBase(db, q, bus, logger)}
}

// Create registers a new member. A missing id gets a client-generated
// UUID so the record can be created fully offline.
func (r *Members) Create(ctx context.Context, m *schema.Member) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if !m.Active {
		m.Active = true
	}
	m.SetDefaults()
	m.Touch(r.now())
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid member: %w", err)
	}

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.UpsertMemberIn(ctx, tx, m); err != nil {
			return err
		}
		_, err := r.queue.EnqueueTx(ctx, tx, queue.OpInsert, schema.TableMembers, m.ID, m)
		return err
	})
	if err != nil {
		return err
	}

	r.notifyChanged(ctx, schema.TableMembers)
	return nil
}

// Update modifies an existing member.
func (r *Members) Update(ctx context.Context, m *schema.Member) error {
	if m.ID == "" {
		return fmt.Errorf("member id is required")
	}
	m.Touch(r.now())
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid member: %w", err)
	}

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.UpsertMemberIn(ctx, tx, m); err != nil {
			return err
		}
		_, err := r.queue.EnqueueTx(ctx, tx, queue.OpUpdate, schema.TableMembers, m.ID, m)
		return err
	})
	if err != nil {
		return err
	}

	r.notifyChanged(ctx, schema.TableMembers)
	return nil
}

// Deactivate soft-deletes a member: the record stays (payment history
// must survive) but is marked inactive and pushed as an update.
func (r *Members) Deactivate(ctx context.Context, id string) error {
	m, err := r.db.GetMember(ctx, id)
	if err != nil {
		return err
	}
	if !m.Active {
		return nil // already deactivated
	}

	now := r.now()
	m.Active = false
	m.LeftAt = &now
	m.Touch(now)

	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.UpsertMemberIn(ctx, tx, m); err != nil {
			return err
		}
		_, err := r.queue.EnqueueTx(ctx, tx, queue.OpUpdate, schema.TableMembers, m.ID, m)
		return err
	})
	if err != nil {
		return err
	}

	r.notifyChanged(ctx, schema.TableMembers)
	return nil
}

// Get returns a member by id.
func (r *Members) Get(ctx context.Context, id string) (*schema.Member, error) {
	return r.db.GetMember(ctx, id)
}

// List returns members matching the filter.
func (r *Members) List(ctx context.Context, filter store.MemberFilter) ([]*schema.Member, error) {
	return r.db.ListMembers(ctx, filter)
}

// Search returns members whose name or email contains the term.
func (r *Members) Search(ctx context.Context, term string) ([]*schema.Member, error) {
	return r.db.SearchMembers(ctx, term)
}
