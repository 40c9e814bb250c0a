// Package model defines the shared types used across the sync engine,
// store, catalog client, and library facade.
package model

// SyncStatus describes where an item stands in the reconciliation
// lifecycle. Statuses are persisted as text; parsing an unrecognized
// value falls back to StatusUnknown instead of failing the read, so rows
// written by newer versions stay loadable.
type SyncStatus string

const (
	// StatusSynced means the item matches the server; idle.
	StatusSynced SyncStatus = "synced"
	// StatusPendingCreate means the item was created locally and the
	// server has no record of it yet.
	StatusPendingCreate SyncStatus = "pending_create"
	// StatusPendingUpdate means the item was modified locally since the
	// last successful sync.
	StatusPendingUpdate SyncStatus = "pending_update"
	// StatusPendingDelete means the item was deleted locally but the
	// server record still has to be removed.
	StatusPendingDelete SyncStatus = "pending_delete"
	// StatusSyncing means a reconciliation attempt is in flight. Never a
	// durable rest-state: interrupted syncing rows are reset to their
	// originating pending status at startup.
	StatusSyncing SyncStatus = "syncing"
	// StatusSyncError means the last attempt failed with an outcome that
	// is not retried automatically. Cleared by an explicit retry or a new
	// local mutation.
	StatusSyncError SyncStatus = "sync_error"
	// StatusUnknown is the decode fallback for unrecognized persisted
	// values. Unknown rows are never picked up as pending work.
	StatusUnknown SyncStatus = "unknown"
)

var validStatuses = map[SyncStatus]bool{
	StatusSynced:        true,
	StatusPendingCreate: true,
	StatusPendingUpdate: true,
	StatusPendingDelete: true,
	StatusSyncing:       true,
	StatusSyncError:     true,
}

// ParseSyncStatus maps persisted text to a SyncStatus, falling back to
// StatusUnknown for anything unrecognized.
func ParseSyncStatus(s string) SyncStatus {
	if validStatuses[SyncStatus(s)] {
		return SyncStatus(s)
	}
	return StatusUnknown
}

// IsPending reports whether the status marks outbound work for the
// synchronizer engine.
func (s SyncStatus) IsPending() bool {
	switch s {
	case StatusPendingCreate, StatusPendingUpdate, StatusPendingDelete:
		return true
	}
	return false
}

// PendingStatuses lists the statuses the engine drains, in a fixed order
// usable for SQL IN clauses.
func PendingStatuses() []SyncStatus {
	return []SyncStatus{StatusPendingCreate, StatusPendingUpdate, StatusPendingDelete}
}

// ErrorReason records why an item landed in StatusSyncError. Persisted as
// text with the same fallback rule as SyncStatus.
type ErrorReason string

const (
	// ReasonNone is the empty reason carried by non-errored items.
	ReasonNone ErrorReason = ""
	// ReasonUnauthorized means the server rejected the session.
	ReasonUnauthorized ErrorReason = "unauthorized"
	// ReasonNotFound means the server had no such record where one was
	// required.
	ReasonNotFound ErrorReason = "not_found"
	// ReasonServer means the server answered with an unexpected status.
	ReasonServer ErrorReason = "server"
	// ReasonUnknown is the decode fallback and the catch-all for
	// unclassified failures.
	ReasonUnknown ErrorReason = "unknown"
)

var validReasons = map[ErrorReason]bool{
	ReasonNone:         true,
	ReasonUnauthorized: true,
	ReasonNotFound:     true,
	ReasonServer:       true,
	ReasonUnknown:      true,
}

// ParseErrorReason maps persisted text to an ErrorReason, falling back to
// ReasonUnknown.
func ParseErrorReason(s string) ErrorReason {
	if validReasons[ErrorReason(s)] {
		return ErrorReason(s)
	}
	return ReasonUnknown
}
