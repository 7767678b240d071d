// Package store declares the three external collaborator contracts the
// core depends on — membership, placement, and object state — plus an
// in-memory implementation of all three used by the core's own tests and
// by single-process deployments, and a SQLite-backed reference
// implementation (sqlite.go).
//
// Core packages (membership, placement, scheduler) import only the
// interfaces in this file; they never import database/sql or the sqlite
// driver directly, so swapping the backing store never touches them.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get-style lookups when no row exists.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned by compare-and-set operations that lost a race.
var ErrConflict = errors.New("store: conflict")

// MemberEntry is one row of the membership store.
type MemberEntry struct {
	Address  string
	LastSeen time.Time
	Active   bool
}

// MembershipStorage is the persisted source of truth for cluster
// membership. Implementations must give read-your-writes consistency to
// a single caller and resolve concurrent writes to the same address by
// last-writer-wins on LastSeen.
type MembershipStorage interface {
	// Upsert inserts or refreshes an entry, always setting Active true
	// and LastSeen to now. Used both for initial join and heartbeats.
	Upsert(ctx context.Context, address string) error
	// SetActive flips an entry's Active flag without touching LastSeen.
	SetActive(ctx context.Context, address string, active bool) error
	// ListActive returns all entries currently marked Active.
	ListActive(ctx context.Context) ([]MemberEntry, error)
	// ListAll returns every known entry, active or not.
	ListAll(ctx context.Context) ([]MemberEntry, error)
	// RecordFailure appends a probe-failure observation.
	RecordFailure(ctx context.Context, address string, at time.Time) error
	// CountFailuresSince counts the failures recorded for address at or
	// after since, regardless of which node recorded them.
	CountFailuresSince(ctx context.Context, address string, since time.Time) (int, error)
	// ClearFailures removes all failure rows for address, called when it
	// re-announces itself.
	ClearFailures(ctx context.Context, address string) error
}

// PlacementEntry is one row of the placement store. ServerAddress is
// empty for a reservation in progress.
type PlacementEntry struct {
	TypeName      string
	ObjectID      string
	ServerAddress string
}

// PlacementStorage is the persisted source of truth for object
// placement. Get/CASInsertIfAbsent/Remove must together provide the
// single-activation invariant: for a given (TypeName, ObjectID) at most
// one row names a non-empty ServerAddress at any instant.
type PlacementStorage interface {
	// Get returns the current placement row, or ErrNotFound if no row
	// exists for (typeName, objectID).
	Get(ctx context.Context, typeName, objectID string) (PlacementEntry, error)
	// CASInsertIfAbsent atomically creates the row with ServerAddress
	// set to address if and only if no row currently exists. It returns
	// the winning entry in both the success and conflict case, so a
	// caller whose CAS lost can immediately read who won.
	CASInsertIfAbsent(ctx context.Context, typeName, objectID, address string) (PlacementEntry, error)
	// Remove deletes the row only if its current ServerAddress equals
	// expectedAddress, returning ErrConflict if the row names another
	// address. When no row exists, the in-memory implementation returns
	// ErrNotFound and the SQLite one ErrConflict.
	Remove(ctx context.Context, typeName, objectID, expectedAddress string) error
	// RemoveByAddress deletes every row currently hosted on address,
	// called when membership observes that node going inactive.
	RemoveByAddress(ctx context.Context, address string) error
	// All returns every placement row, for diagnostics.
	All(ctx context.Context) ([]PlacementEntry, error)
}

// StateRecord is one checkpoint of an object's durable state.
type StateRecord struct {
	TypeName  string
	ObjectID  string
	StateName string
	Payload   []byte
}

// StateStorage persists and restores the optional durable state of
// ManagedState objects.
type StateStorage interface {
	Load(ctx context.Context, typeName, objectID, stateName string) ([]byte, error)
	Save(ctx context.Context, typeName, objectID, stateName string, payload []byte) error
	Delete(ctx context.Context, typeName, objectID string) error
}
