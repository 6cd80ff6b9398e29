// Package kvengine is the adapter boundary onto the external ordered
// key-value engine (§6 of the spec). Everything above this package talks to
// Engine, Batch, Iterator and Snapshot — never to a concrete store — so the
// pebble-backed implementation and the in-memory test double are
// interchangeable.
package kvengine

import "context"

// Range selects a span of keys for an iterator or an approximate-size
// query. Going forward, From is inclusive and To is exclusive; a nil To
// means "to the end of the keyspace". When From > To the iterator yields
// the same half-open span [To, From) in reverse order, so there To is
// inclusive and From exclusive. ExcludeBegin drops a key equal to From,
// which only a forward range can contain. ExcludeEnd is ignored by the
// pebble engine; no caller in this module sets it.
type Range struct {
	From         []byte
	To           []byte
	ExcludeBegin bool
	ExcludeEnd   bool
}

// SnapshotMode governs what happens when a write targets a snapshot view.
type SnapshotMode int

const (
	// WriteError rejects writes against the snapshot.
	WriteError SnapshotMode = iota
	// WriteIgnore silently drops writes against the snapshot.
	WriteIgnore
	// WriteForward forwards writes to the live engine; they are then
	// invisible within the snapshot itself.
	WriteForward
)

// Engine is the minimal ordered key-value contract this module consumes.
// It is deliberately small: get, atomic write batches, range/prefix
// iterators, snapshots, approximate sizes, and compaction.
type Engine interface {
	Get(key []byte) (value []byte, ok bool, err error)
	NewBatch() *Batch
	Write(b *Batch, sync bool) error
	NewIterator(r Range) Iterator
	NewSnapshot(mode SnapshotMode) Snapshot
	ApproximateSize(ranges []Range) ([]uint64, error)
	CompactRange(from, to []byte) error
	Close() error
}

// Iterator yields (key, value) pairs in forward or reverse lexicographic
// order, determined by the Range it was created from (From > To ⇒ reverse).
// Close must always be called; it releases the engine-level cursor and, for
// snapshot-backed iterators, the snapshot's reference count.
type Iterator interface {
	Valid() bool
	Next() bool
	Key() []byte
	Value() []byte
	Close() error
	Err() error
}

// Snapshot is a consistent read-only view of the engine at a point in time.
// It is itself an Engine so derived components can reuse the same query
// code whether they're reading the live store or a snapshot.
type Snapshot interface {
	Engine
}

// Observer is called synchronously after a batch has been written, with
// committed reporting the outcome. It has no return value; an engine that
// accepts observers (memengine.Engine.Subscribe) hands back a cancel
// function instead. Observers run in registration order (§4.8 / §5).
type Observer func(b *Batch, committed bool)

// Waiter supports spec §5's "incremental.waitForChanges blocks on a
// condition variable; cancelListen wakes all waiters" requirement. It is
// implemented per incremental-store keyspace, not per Engine, but the
// contract lives here because it rides on the same commit notifications
// Engine.Write produces.
type Waiter interface {
	// Wait blocks until seq advances past since, the context is cancelled,
	// or CancelListen is called — whichever comes first.
	Wait(ctx context.Context, since uint64) (uint64, error)
	CancelListen()
}
