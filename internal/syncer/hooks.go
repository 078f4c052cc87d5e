package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/events"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/queue"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/remote"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/schema"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/store"
)

// preProcess resolves provisional server-numbered fields before the
// payload is transmitted. Tickets created offline carry a negative
// placeholder seq_no; payments created offline carry receipt_no 0.
// Both are resolved against the backend's current maximum right before
// the insert, so numbering reflects the moment of synchronization, not
// the moment of offline creation.
func (m *Manager) preProcess(ctx context.Context, mut *queue.Mutation, payload remote.Record) error {
	if mut.Op != queue.OpInsert {
		return nil
	}

	switch mut.Table {
	case schema.TableTickets:
		seq, ok := payload["seq_no"].(float64)
		if ok && seq >= 0 {
			return nil
		}
		event, _ := payload["event"].(string)
		if event == "" {
			return fmt.Errorf("ticket %s has a provisional seq_no but no event", mut.RecordID)
		}

		seqCtx, cancel := context.WithTimeout(ctx, m.config.OpTimeout)
		next, err := m.backend.NextSequence(seqCtx, schema.TableTickets, "seq_no", "event", event)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to resolve seq_no for event %q: %w", event, err)
		}
		payload["seq_no"] = next
		m.config.Logger.Printf("Resolved provisional seq_no for ticket %s: %d (event %s)",
			mut.RecordID, next, event)

	case schema.TablePayments:
		no, ok := payload["receipt_no"].(float64)
		if ok && no > 0 {
			return nil
		}

		seqCtx, cancel := context.WithTimeout(ctx, m.config.OpTimeout)
		next, err := m.backend.NextSequence(seqCtx, schema.TablePayments, "receipt_no", "", "")
		cancel()
		if err != nil {
			return fmt.Errorf("failed to resolve receipt_no: %w", err)
		}
		payload["receipt_no"] = next
		m.config.Logger.Printf("Resolved receipt_no for payment %s: %d", mut.RecordID, next)
	}

	return nil
}

// postProcess writes server-assigned values back into the local store
// and refreshes denormalized columns. Runs inside the reconciliation
// transaction.
func (m *Manager) postProcess(ctx context.Context, tx *sql.Tx, mut *queue.Mutation, payload remote.Record, serverRecord remote.Record) error {
	if mut.Op == queue.OpDelete {
		return nil
	}

	switch mut.Table {
	case schema.TableTickets:
		if seq, ok := serverRecord["seq_no"].(float64); ok {
			if err := store.SetTicketSeqNo(ctx, tx, mut.RecordID, int64(seq)); err != nil {
				return err
			}
		}

	case schema.TablePayments:
		if no, ok := serverRecord["receipt_no"].(float64); ok {
			if err := store.SetPaymentReceiptNo(ctx, tx, mut.RecordID, int64(no)); err != nil {
				return err
			}
		}

	case schema.TableMembers:
		// Payments carry a denormalized member name for receipts.
		if name, ok := payload["name"].(string); ok && name != "" {
			if err := store.UpdatePaymentsMemberName(ctx, tx, mut.RecordID, name); err != nil {
				return err
			}
		}
	}

	return nil
}

// recoverDuplicateMember heals a unique-email collision on a member
// insert. Some other device already registered the same person, so the
// locally generated id is wrong: look the member up by email, re-point
// the local record (and its payments, tickets and still-queued
// mutations) at the server's id, and treat the insert as already done.
func (m *Manager) recoverDuplicateMember(ctx context.Context, mut *queue.Mutation, payload remote.Record, cause error) outcome {
	email, _ := payload["email"].(string)
	if email == "" {
		m.fatal(ctx, mut, fmt.Errorf("unique violation on member %s without an email: %w", mut.RecordID, cause))
		return outcomeFatal
	}

	findCtx, cancel := context.WithTimeout(ctx, m.config.OpTimeout)
	serverRecord, err := m.backend.FindBy(findCtx, schema.TableMembers, "email", email)
	cancel()
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			// The collision is real but the holder is invisible to us.
			// Retrying cannot help.
			m.fatal(ctx, mut, fmt.Errorf("duplicate email %s but no matching member found: %w", email, cause))
			return outcomeFatal
		}
		m.retryable(ctx, mut, fmt.Errorf("duplicate email lookup failed: %w", err))
		return outcomeRetryable
	}

	serverID, _ := serverRecord["id"].(string)
	if serverID == "" {
		m.fatal(ctx, mut, fmt.Errorf("server member for email %s has no id", email))
		return outcomeFatal
	}

	oldID := mut.RecordID
	err = m.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.RemapMemberID(ctx, tx, oldID, serverID); err != nil {
			return err
		}
		if err := m.queue.RewriteRecordRefs(ctx, tx, oldID, serverID); err != nil {
			return err
		}
		if err := m.queue.RemoveIn(ctx, tx, mut.ID); err != nil {
			return err
		}
		return store.SetSyncStatus(ctx, tx, schema.TableMembers, serverID, schema.StatusSynced)
	})
	if err != nil {
		m.retryable(ctx, mut, fmt.Errorf("duplicate email recovery failed: %w", err))
		return outcomeRetryable
	}

	m.config.Logger.Printf("Recovered duplicate email %s: member %s remapped to %s", email, oldID, serverID)

	m.queue.NotifyChanged(ctx, schema.TableMembers)
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.TypeRecordChanged, Table: schema.TableMembers})
	}
	return outcomeSuccess
}
