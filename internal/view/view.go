// Package view implements the multi-key secondary index over a document
// store described in spec §4.5: an IndexFunc produces zero or more (key,
// value) rows per document, and a reverse row per document lists every key
// it currently emits so deletion/reindex is O(emits) rather than a full
// keyspace scan.
package view

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/docdbgo/docdb/internal/docstore"
	"github.com/docdbgo/docdb/internal/keycodec"
	"github.com/docdbgo/docdb/internal/keyspace"
	"github.com/docdbgo/docdb/internal/kvengine"
	"github.com/docdbgo/docdb/internal/viewcore"
)

const classView byte = 10

// Physical sub-namespace bytes following kid. spec.md's literal layout
// (forward rows at "<kid><encKey><docId>", reverse rows at
// "<kid>\x00<docId>") is ambiguous whenever an index key encodes to the
// tagUndefined byte (0x00) — an unlikely but legal emitted key. A distinct
// sub-byte for each row kind removes the ambiguity entirely.
const (
	rowSub     byte = 0x01
	reverseSub byte = 0x00
)

// Emit is called by IndexFunc once per row a document contributes.
type Emit func(key any, value json.RawMessage)

// IndexFunc maps a document to its index rows. It is not called at all for
// a deleted document — emitting zero rows and being skipped have the same
// effect (the document simply has no rows in the view).
type IndexFunc func(doc docstore.Document, emit Emit)

// Options configures a View.
type Options struct {
	// Revision invalidates and rebuilds the on-disk index when changed.
	Revision int
}

// View is a multi-key index over a document store.
type View struct {
	core    *viewcore.Core
	indexFn IndexFunc
}

var _ viewcore.Queryable = (*View)(nil)

// Open builds or resumes a named view and catches it up to the document
// store's current change feed before returning.
func Open(ks *keyspace.Manager, eng kvengine.Engine, src *docstore.Store, name string, indexFn IndexFunc, opts Options) (*View, error) {
	core, err := viewcore.Open(ks, eng, src, classView, name, opts.Revision)
	if err != nil {
		return nil, fmt.Errorf("view: open %q: %w", name, err)
	}
	v := &View{core: core, indexFn: indexFn}
	if err := v.Update(); err != nil {
		return nil, err
	}
	return v, nil
}

// Observe registers fn to be invoked, inside the indexing batch, with the
// union of keys a reindexed document gained or lost.
func (v *View) Observe(fn viewcore.ChangeObserver) viewcore.Handle {
	return v.core.Observers.Subscribe(fn)
}

// Unobserve cancels a prior Observe registration.
func (v *View) Unobserve(h viewcore.Handle) { v.core.Observers.Unsubscribe(h) }

// GetEngine exposes the backing engine, satisfying aggregator.Source's
// narrower boundary onto a view.
func (v *View) GetEngine() kvengine.Engine { return v.core.Eng }

func forwardRowKey(kid byte, encKey, encDocID []byte) []byte {
	return keycodec.CompositeKey([]byte{kid, rowSub}, encKey, encDocID)
}

func reverseRowKey(kid byte, encDocID []byte) []byte {
	return keycodec.CompositeKey([]byte{kid, reverseSub}, encDocID)
}

// encodeReverseRow packs a set of previously-emitted encoded keys as
// length-prefixed segments (spec's "running buffer", made parseable).
func encodeReverseRow(keys [][]byte) []byte {
	var buf []byte
	var lenBuf [4]byte
	for _, k := range keys {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(k)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, k...)
	}
	return buf
}

func decodeReverseRow(b []byte) ([][]byte, error) {
	var out [][]byte
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, fmt.Errorf("view: truncated reverse row")
		}
		n := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		if uint32(len(b)) < n {
			return nil, fmt.Errorf("view: truncated reverse row entry")
		}
		out = append(out, append([]byte(nil), b[:n]...))
		b = b[n:]
	}
	return out, nil
}

// indexDocument is the §4.5.1 per-document index batch algorithm.
func (v *View) indexDocument(b *kvengine.Batch, doc docstore.Document) error {
	kid := v.core.Kid
	encDocID := keycodec.Encode(nil, doc.Id)
	rrKey := reverseRowKey(kid, encDocID)

	var prevKeys [][]byte
	if raw, ok, err := v.core.Eng.Get(rrKey); err != nil {
		return fmt.Errorf("read reverse row: %w", err)
	} else if ok {
		prevKeys, err = decodeReverseRow(raw)
		if err != nil {
			return fmt.Errorf("decode reverse row: %w", err)
		}
	}
	for _, pk := range prevKeys {
		b.Delete(forwardRowKey(kid, pk, encDocID))
	}

	union := map[string]any{}
	decodeInto := func(enc []byte) any {
		k, _, err := keycodec.Decode(enc)
		if err != nil {
			return nil
		}
		return k
	}
	for _, pk := range prevKeys {
		union[string(pk)] = decodeInto(pk)
	}

	var newKeys [][]byte
	if !doc.Deleted {
		v.indexFn(doc, func(key any, value json.RawMessage) {
			encKey := keycodec.Encode(nil, key)
			b.Set(forwardRowKey(kid, encKey, encDocID), value)
			newKeys = append(newKeys, encKey)
			union[string(encKey)] = key
		})
	}

	if len(newKeys) > 0 {
		b.Set(rrKey, encodeReverseRow(newKeys))
	} else if len(prevKeys) > 0 {
		b.Delete(rrKey)
	}

	changed := make([]any, 0, len(union))
	for _, k := range union {
		changed = append(changed, k)
	}
	if len(changed) > 0 {
		v.core.Observers.Broadcast(b, changed)
	}
	return nil
}

// Update pulls every change since the view's last catch-up point from the
// document store and reindexes it.
func (v *View) Update() error {
	return v.core.Update(v.indexDocument)
}
