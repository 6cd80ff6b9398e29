// Package viewcore is the shared "doubly-linked updatable view inheritance
// chain" collapsed into composition: view.View, jsonmap.Map and
// jsonmap.Filter each hold a Core and drive it with their own per-document
// indexing callback, instead of three copies of the same catch-up loop
// against the document store's change feed. aggregator.Aggregator does not
// use Core; it reacts to its source's observer broadcasts.
package viewcore

import (
	"fmt"
	"sync"

	"github.com/docdbgo/docdb/internal/docstore"
	"github.com/docdbgo/docdb/internal/keyspace"
	"github.com/docdbgo/docdb/internal/kvengine"
)

// commitThreshold is the approximate batch size (§4.5.2) at which update()
// commits what it has and starts a fresh batch mid-reindex.
const commitThreshold = 64 * 1024

type meta struct {
	Revision int    `json:"revision"`
	LastSeq  uint64 `json:"lastSeq"`
}

// Core is the embeddable state every derived component shares: its backing
// keyspace, the document store it indexes, and how far it has caught up.
type Core struct {
	mu sync.Mutex

	Ks        *keyspace.Manager
	Eng       kvengine.Engine
	Src       *docstore.Store
	Kid       byte
	Name      string
	Observers *ObserverHub

	revision int
	lastSeq  uint64
}

// IndexFunc reindexes one changed document into batch b; a component that
// has observers broadcasts the user keys it touched through its own
// Core.Observers. It is called once per
// document surfaced by the document store's change feed, already holding
// Core's mutex.
type IndexFunc func(b *kvengine.Batch, doc docstore.Document) error

// Open allocates (or recovers) kid for (class, name) and loads progress
// metadata. If the stored revision differs from the caller's configured
// revision, the keyspace is truncated and catch-up restarts from seq 0 —
// the only way a derived component's on-disk format can be invalidated.
func Open(ks *keyspace.Manager, eng kvengine.Engine, src *docstore.Store, class byte, name string, revision int) (*Core, error) {
	kid, err := ks.Alloc(class, name)
	if err != nil {
		return nil, fmt.Errorf("viewcore: open %q: alloc: %w", name, err)
	}

	var m meta
	found, err := ks.GetMetadata(kid, &m)
	if err != nil {
		return nil, fmt.Errorf("viewcore: open %q: read metadata: %w", name, err)
	}

	c := &Core{Ks: ks, Eng: eng, Src: src, Kid: kid, Name: name, revision: revision, Observers: NewObserverHub()}

	if !found || m.Revision != revision {
		b := eng.NewBatch()
		b.DeleteRange([]byte{kid}, []byte{kid + 1})
		if err := eng.Write(b, true); err != nil {
			return nil, fmt.Errorf("viewcore: open %q: truncate: %w", name, err)
		}
		c.lastSeq = 0
		if err := ks.PutMetadata(kid, meta{Revision: revision, LastSeq: 0}); err != nil {
			return nil, fmt.Errorf("viewcore: open %q: write metadata: %w", name, err)
		}
		return c, nil
	}

	c.lastSeq = m.LastSeq
	return c, nil
}

// LastSeq reports the last document-store seq this component has caught up
// to.
func (c *Core) LastSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// Update pulls every change since LastSeq from the document store and
// reindexes it via index, committing whenever the in-flight batch grows
// past commitThreshold and persisting {revision, lastSeq} at the end.
func (c *Core) Update(index IndexFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	it := c.Src.ScanChanges(c.lastSeq)
	defer it.Close()

	b := c.Eng.NewBatch()
	seq := c.lastSeq
	dirty := false

	flush := func() error {
		if b.Len() == 0 {
			return nil
		}
		if err := c.Eng.Write(b, false); err != nil {
			return fmt.Errorf("viewcore: update %q: commit: %w", c.Name, err)
		}
		b = c.Eng.NewBatch()
		return nil
	}

	for {
		doc, ok, err := it.Next()
		if err != nil {
			return fmt.Errorf("viewcore: update %q: scan changes: %w", c.Name, err)
		}
		if !ok {
			break
		}
		if err := index(b, doc); err != nil {
			return fmt.Errorf("viewcore: update %q: index %q: %w", c.Name, doc.Id, err)
		}
		seq = doc.Seq
		dirty = true
		if b.ApproxSize() >= commitThreshold {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	if !dirty {
		return nil
	}
	if err := flush(); err != nil {
		return err
	}
	c.lastSeq = seq
	if err := c.Ks.PutMetadata(c.Kid, meta{Revision: c.revision, LastSeq: seq}); err != nil {
		return fmt.Errorf("viewcore: update %q: persist progress: %w", c.Name, err)
	}
	return nil
}

// PrefixUpperBound returns the lexicographically smallest byte string that
// is strictly greater than every string having prefix as a prefix, or nil
// if prefix is all 0xff bytes (meaning "to the end of the keyspace").
func PrefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
