// Package schema provides the record shapes shared by the local store,
// the mutation queue, and the repositories.
//
// Every record carries three control attributes next to its business
// fields:
//
//   - SyncStatus: pending (modified locally, not confirmed by the
//     server), synced (local copy matches the last known server copy),
//     or conflict (server copy diverged and awaits resolution).
//   - LastModified: local write timestamp, compared against the
//     server's updated_at during conflict detection.
//   - Version: incremented on each local mutation. Informational; it
//     is not used for optimistic locking against the server.
//
// A record with SyncStatus pending always has at least one
// non-terminal mutation referencing it in the queue. The record
// transitions to synced only as a direct effect of that mutation
// succeeding or being explicitly reconciled.
package schema
