// Package syncer provides the sync manager that drains the mutation
// queue against the remote backend.
//
// The manager is idle until triggered: a durable write notification,
// an offline-to-online transition, or an explicit ForceSync. A drain
// pass processes mutations strictly sequentially, one in flight at a
// time, in ascending (priority, id) order, under a fixed per-mutation
// timeout. Failure handling is deliberately asymmetric: a retryable
// (network-shaped) failure halts the whole pass so mutation N+1 never
// runs before mutation N has landed, while a fatal (validation-shaped)
// failure kills only its own mutation and the pass continues with
// unrelated records.
package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/conflict"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/events"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/netmon"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/queue"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/remote"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/schema"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/store"
)

// Backend is the remote surface the manager drains against.
// Implemented by *remote.Client.
type Backend interface {
	Insert(ctx context.Context, table string, payload remote.Record) (remote.Record, error)
	Update(ctx context.Context, table, id string, payload remote.Record) (remote.Record, error)
	Delete(ctx context.Context, table, id string) error
	Get(ctx context.Context, table, id string) (remote.Record, error)
	FindBy(ctx context.Context, table, column, value string) (remote.Record, error)
	NextSequence(ctx context.Context, table, column, filterColumn, filterValue string) (int64, error)
}

// Gate reports whether a sync attempt is worthwhile right now.
// Implemented by *netmon.Monitor.
type Gate interface {
	ShouldTryOnline() bool
}

// Config holds manager configuration.
type Config struct {
	// OpTimeout bounds each remote call during a drain (default 10s).
	OpTimeout time.Duration

	// Strategy is the conflict resolution strategy applied when a
	// queued update would overwrite a newer server copy
	// (default: server-wins).
	Strategy conflict.Strategy

	// Logger for manager activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		OpTimeout: 10 * time.Second,
		Strategy:  conflict.StrategyServerWins,
		Logger:    log.New(os.Stderr, "[syncer] ", log.LstdFlags),
	}
}

// Manager drains the mutation queue.
//
// Construct once at process start. Start launches the trigger loop;
// re-entrant drain requests while a pass is running are no-ops
// (single-flight).
type Manager struct {
	db       *store.DB
	queue    *queue.Queue
	backend  Backend
	gate     Gate
	resolver *conflict.Resolver
	bus      *events.Bus
	config   *Config

	strategyMu sync.RWMutex
	strategy   conflict.Strategy

	draining sync.Mutex // held for the duration of one drain pass
	trigger  chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	startMu sync.Mutex
}

// New creates a Manager. The bus may be nil (no notifications).
func New(db *store.DB, q *queue.Queue, backend Backend, gate Gate, resolver *conflict.Resolver, bus *events.Bus, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.OpTimeout == 0 {
		config.OpTimeout = 10 * time.Second
	}
	if config.Strategy == "" {
		config.Strategy = conflict.StrategyServerWins
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		db:       db,
		queue:    q,
		backend:  backend,
		gate:     gate,
		resolver: resolver,
		bus:      bus,
		config:   config,
		strategy: config.Strategy,
		trigger:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the trigger loop: queue/record change notifications
// and offline-to-online transitions wake the manager.
func (m *Manager) Start() {
	m.startMu.Lock()
	if m.started {
		m.startMu.Unlock()
		return
	}
	m.started = true
	m.startMu.Unlock()

	var ch <-chan events.Event
	var unsubscribe func()
	if m.bus != nil {
		ch, unsubscribe = m.bus.Subscribe(
			events.TypeRecordChanged,
			events.TypeQueueChanged,
			events.TypeNetworkChanged,
		)
	}

	m.wg.Add(1)
	go m.run(ch, unsubscribe)
}

// Stop shuts the manager down and waits for the trigger loop and any
// in-flight drain to finish.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// SetStrategy changes the conflict strategy applied by subsequent
// drain passes (live config reload).
func (m *Manager) SetStrategy(s conflict.Strategy) {
	m.strategyMu.Lock()
	m.strategy = s
	m.strategyMu.Unlock()
}

func (m *Manager) currentStrategy() conflict.Strategy {
	m.strategyMu.RLock()
	defer m.strategyMu.RUnlock()
	return m.strategy
}

// ForceSync requests an immediate drain attempt regardless of
// triggers. Non-blocking; coalesces with an already-requested drain.
func (m *Manager) ForceSync() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// run listens for triggers and executes drain passes.
func (m *Manager) run(ch <-chan events.Event, unsubscribe func()) {
	defer m.wg.Done()
	if unsubscribe != nil {
		defer unsubscribe()
	}

	wasOnline := true

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-m.trigger:
			m.Drain(m.ctx)

		case ev, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}
			switch ev.Type {
			case events.TypeNetworkChanged:
				state, ok := ev.Payload.(netmon.State)
				if !ok {
					continue
				}
				online := state.IsOnline
				// Only the offline-to-online edge wakes a drain.
				if online && !wasOnline {
					m.Drain(m.ctx)
				}
				wasOnline = online

			case events.TypeRecordChanged, events.TypeQueueChanged:
				m.Drain(m.ctx)
			}
		}
	}
}

// Drain runs one pass over the queue. Re-entrant calls while a pass
// is already running return immediately (single-flight guard). If the
// gate reports offline the pass aborts without touching the queue.
func (m *Manager) Drain(ctx context.Context) {
	if !m.draining.TryLock() {
		return
	}
	defer m.draining.Unlock()

	if !m.gate.ShouldTryOnline() {
		return
	}

	// Entries still marked processing belong to a pass that never
	// recorded an outcome (the process died mid-drain). Put them back
	// in drain order before fetching, or they stay invisible forever.
	if n, err := m.queue.RecoverStranded(ctx); err != nil {
		m.config.Logger.Printf("Error recovering in-flight mutations: %v", err)
	} else if n > 0 {
		m.config.Logger.Printf("Recovered %d in-flight mutations from an interrupted pass", n)
	}

	muts, err := m.queue.GetRetryable(ctx)
	if err != nil {
		m.config.Logger.Printf("Error fetching queue: %v", err)
		return
	}
	if len(muts) == 0 {
		return
	}

	m.setSyncing(true)
	defer m.setSyncing(false)

	m.config.Logger.Printf("Draining %d mutations", len(muts))

	// Mutations are re-read one at a time rather than iterated from the
	// initial snapshot: a recovery earlier in the pass may rewrite the
	// payloads of entries still waiting (duplicate-key remap), and the
	// rewritten form is the one that must go out. Every outcome either
	// removes the head entry, marks it dead, or halts the pass, so the
	// loop terminates.
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		muts, err = m.queue.GetRetryable(ctx)
		if err != nil {
			m.config.Logger.Printf("Error fetching queue: %v", err)
			return
		}
		if len(muts) == 0 {
			break
		}
		mut := muts[0]

		outcome := m.processMutation(ctx, mut)
		switch outcome {
		case outcomeSuccess:
			// keep going

		case outcomeRetryable:
			// Halt the pass: mutation N+1 for the same record must not
			// run before mutation N has landed.
			m.config.Logger.Printf("Halting drain pass at mutation %d (retryable failure)", mut.ID)
			return

		case outcomeFatal:
			// Isolated: unrelated records still get their turn.
			continue
		}
	}

	m.config.Logger.Printf("Drain pass complete")
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetryable
	outcomeFatal
)

// processMutation pushes one mutation to the backend and reconciles
// the local store.
func (m *Manager) processMutation(ctx context.Context, mut *queue.Mutation) outcome {
	if err := m.queue.MarkProcessing(ctx, mut.ID); err != nil {
		m.config.Logger.Printf("Error marking mutation %d processing: %v", mut.ID, err)
		return outcomeRetryable
	}

	payload, localModified, err := decodePayload(mut)
	if err != nil {
		m.fatal(ctx, mut, err)
		return outcomeFatal
	}

	// Updates about to overwrite the server copy get a staleness
	// check first; conflicts are settled by strategy, not treated as
	// queue errors. The stored timestamp is preferred over the payload
	// copy: an earlier mutation in this pass may have advanced it to
	// the server's acknowledged updated_at.
	if mut.Op == queue.OpUpdate {
		if ts, err := store.LastModified(ctx, m.db.RawDB(), mut.Table, mut.RecordID); err == nil && ts.After(localModified) {
			localModified = ts
		}
		handled, out := m.checkConflict(ctx, mut, payload, localModified)
		if handled {
			return out
		}
	}

	// Table-specific pre-processing (provisional number resolution).
	if err := m.preProcess(ctx, mut, payload); err != nil {
		if remote.IsRetryable(err) {
			m.retryable(ctx, mut, err)
			return outcomeRetryable
		}
		m.fatal(ctx, mut, err)
		return outcomeFatal
	}

	opCtx, cancel := context.WithTimeout(ctx, m.config.OpTimeout)
	serverRecord, err := m.execute(opCtx, mut, payload)
	cancel()

	if err != nil {
		return m.handleFailure(ctx, mut, payload, err)
	}

	if err := m.finish(ctx, mut, payload, serverRecord); err != nil {
		m.config.Logger.Printf("Error reconciling mutation %d: %v", mut.ID, err)
		m.retryable(ctx, mut, err)
		return outcomeRetryable
	}

	m.config.Logger.Printf("Synced %s %s/%s (mutation %d)", mut.Op, mut.Table, mut.RecordID, mut.ID)
	return outcomeSuccess
}

// execute performs the remote call for one mutation.
func (m *Manager) execute(ctx context.Context, mut *queue.Mutation, payload remote.Record) (remote.Record, error) {
	switch mut.Op {
	case queue.OpInsert:
		return m.backend.Insert(ctx, mut.Table, payload)

	case queue.OpUpdate:
		if mut.RecordID == "" {
			return nil, fmt.Errorf("%w: update without a record id", errMalformed)
		}
		return m.backend.Update(ctx, mut.Table, mut.RecordID, payload)

	case queue.OpDelete:
		if mut.RecordID == "" {
			return nil, fmt.Errorf("%w: delete without a record id", errMalformed)
		}
		return nil, m.backend.Delete(ctx, mut.Table, mut.RecordID)

	default:
		return nil, fmt.Errorf("%w: unknown op %q", errMalformed, mut.Op)
	}
}

// errMalformed marks mutations the manager cannot form a valid remote
// call from. No retry heals these, so they go straight to dead.
var errMalformed = errors.New("malformed mutation")

// checkConflict runs the staleness check for an update mutation.
// Returns handled=true when the mutation's fate is already decided.
func (m *Manager) checkConflict(ctx context.Context, mut *queue.Mutation, payload remote.Record, localModified time.Time) (handled bool, out outcome) {
	checkCtx, cancel := context.WithTimeout(ctx, m.config.OpTimeout)
	div, err := m.resolver.Check(checkCtx, mut.Table, mut.RecordID, localModified)
	cancel()

	if err != nil {
		if remote.IsRetryable(err) {
			m.retryable(ctx, mut, err)
			return true, outcomeRetryable
		}
		m.fatal(ctx, mut, err)
		return true, outcomeFatal
	}
	if div == nil {
		return false, outcomeSuccess
	}

	switch m.currentStrategy() {
	case conflict.StrategyServerWins:
		if err := m.resolver.ApplyServerWins(ctx, div); err != nil {
			m.retryable(ctx, mut, err)
			return true, outcomeRetryable
		}
		if err := m.queue.Remove(ctx, mut.ID); err != nil {
			m.config.Logger.Printf("Error removing resolved mutation %d: %v", mut.ID, err)
			return true, outcomeRetryable
		}
		m.queue.NotifyChanged(ctx, mut.Table)
		m.config.Logger.Printf("Conflict on %s/%s resolved server-wins, local change discarded",
			mut.Table, mut.RecordID)
		return true, outcomeSuccess

	case conflict.StrategyLocalWins:
		// Proceed with the push; the queued write overwrites the
		// server copy.
		return false, outcomeSuccess

	case conflict.StrategyManual:
		if _, err := m.resolver.PersistManual(ctx, div, payload); err != nil {
			m.retryable(ctx, mut, err)
			return true, outcomeRetryable
		}
		if err := m.queue.Remove(ctx, mut.ID); err != nil {
			m.config.Logger.Printf("Error removing conflicted mutation %d: %v", mut.ID, err)
			return true, outcomeRetryable
		}
		m.queue.NotifyChanged(ctx, mut.Table)
		m.config.Logger.Printf("Conflict on %s/%s awaits manual resolution", mut.Table, mut.RecordID)
		return true, outcomeSuccess

	default:
		m.fatal(ctx, mut, fmt.Errorf("unknown conflict strategy %q", m.currentStrategy()))
		return true, outcomeFatal
	}
}

// handleFailure classifies a remote call failure.
func (m *Manager) handleFailure(ctx context.Context, mut *queue.Mutation, payload remote.Record, err error) outcome {
	// A unique-constraint collision on a natural key is healable:
	// re-point the local record at the pre-existing server record.
	if remote.IsUniqueViolation(err) && mut.Op == queue.OpInsert && mut.Table == schema.TableMembers {
		return m.recoverDuplicateMember(ctx, mut, payload, err)
	}

	// Manager-originated defects are never network-shaped; they must
	// not fall through the retryable catch-all below.
	if errors.Is(err, errMalformed) {
		m.fatal(ctx, mut, err)
		return outcomeFatal
	}

	if remote.IsRetryable(err) {
		m.retryable(ctx, mut, err)
		return outcomeRetryable
	}

	m.fatal(ctx, mut, err)
	return outcomeFatal
}

// finish removes the mutation and reconciles the local store in one
// transaction, then runs table-specific post-processing.
func (m *Manager) finish(ctx context.Context, mut *queue.Mutation, payload remote.Record, serverRecord remote.Record) error {
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := m.queue.RemoveIn(ctx, tx, mut.ID); err != nil {
			return err
		}
		if mut.Op != queue.OpDelete {
			if err := store.SetSyncStatus(ctx, tx, mut.Table, mut.RecordID, schema.StatusSynced); err != nil {
				return err
			}
			// Record the server's acknowledged timestamp so later
			// conflict checks do not mistake this push's echo for a
			// foreign edit.
			if raw, ok := serverRecord["updated_at"].(string); ok {
				if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
					if err := store.SetLastModified(ctx, tx, mut.Table, mut.RecordID, ts); err != nil {
						return err
					}
				}
			}
		}
		return m.postProcess(ctx, tx, mut, payload, serverRecord)
	})
	if err != nil {
		return err
	}

	m.queue.NotifyChanged(ctx, mut.Table)
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.TypeRecordChanged, Table: mut.Table})
	}
	return nil
}

// retryable records a transient failure; the mutation stays in the
// queue and the pass halts.
func (m *Manager) retryable(ctx context.Context, mut *queue.Mutation, cause error) {
	m.config.Logger.Printf("Retryable failure on mutation %d (%s %s/%s): %v",
		mut.ID, mut.Op, mut.Table, mut.RecordID, cause)
	if err := m.queue.MarkFailed(ctx, mut.ID, cause); err != nil {
		m.config.Logger.Printf("Error marking mutation %d failed: %v", mut.ID, err)
	}
}

// fatal kills the mutation; the pass continues with the next entry.
func (m *Manager) fatal(ctx context.Context, mut *queue.Mutation, cause error) {
	m.config.Logger.Printf("Fatal failure on mutation %d (%s %s/%s): %v",
		mut.ID, mut.Op, mut.Table, mut.RecordID, cause)
	if err := m.queue.MarkDead(ctx, mut.ID, cause); err != nil {
		m.config.Logger.Printf("Error marking mutation %d dead: %v", mut.ID, err)
	}
}

// setSyncing publishes the syncing-changed notification.
func (m *Manager) setSyncing(syncing bool) {
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.TypeSyncingChanged, Payload: syncing})
	}
}

// decodePayload extracts the generic payload and the local write
// timestamp from a mutation, stripping local control fields from the
// transmitted copy.
func decodePayload(mut *queue.Mutation) (remote.Record, time.Time, error) {
	var payload remote.Record
	if err := json.Unmarshal(mut.Payload, &payload); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to decode payload of mutation %d: %w", mut.ID, err)
	}

	var localModified time.Time
	if raw, ok := payload["last_modified"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			localModified = t
		}
	}
	if localModified.IsZero() {
		localModified = mut.EnqueuedAt
	}

	schema.StripControlFields(payload)
	return payload, localModified, nil
}
