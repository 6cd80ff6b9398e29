// Package jsonmap implements the two "simpler cousins" of view.View
// described in spec §4.6: Map stores unique, document-independent keys;
// Filter stores one row per document keyed by its id. Map keeps view's
// reverse-row bookkeeping approach (scaled down, since each document
// contributes at most one row instead of many); Filter needs no reverse
// row because its rows are keyed by document id. Both use viewcore.Core's
// catch-up loop.
package jsonmap

import (
	"encoding/json"
	"fmt"

	"github.com/docdbgo/docdb/internal/docstore"
	"github.com/docdbgo/docdb/internal/keycodec"
	"github.com/docdbgo/docdb/internal/keyspace"
	"github.com/docdbgo/docdb/internal/kvengine"
	"github.com/docdbgo/docdb/internal/viewcore"
)

const (
	classMap byte = 11

	mapRowSub     byte = 0x01
	mapReverseSub byte = 0x00
)

// MapFunc derives at most one (key, value) row from a document. ok=false
// means "None": the document contributes no row (and any previous row for
// it is removed).
type MapFunc func(doc docstore.Document) (key any, value json.RawMessage, ok bool)

// Options configures a Map.
type Options struct {
	Revision int
}

// Map is an updatable unique-key JSON index (spec §4.6): <kid><encKey> ->
// encValue, keys are not tied to any particular document.
type Map struct {
	core  *viewcore.Core
	mapFn MapFunc
}

var _ viewcore.Queryable = (*Map)(nil)

// Open builds or resumes a named map and catches it up.
func Open(ks *keyspace.Manager, eng kvengine.Engine, src *docstore.Store, name string, mapFn MapFunc, opts Options) (*Map, error) {
	core, err := viewcore.Open(ks, eng, src, classMap, name, opts.Revision)
	if err != nil {
		return nil, fmt.Errorf("jsonmap: open %q: %w", name, err)
	}
	m := &Map{core: core, mapFn: mapFn}
	if err := m.Update(); err != nil {
		return nil, err
	}
	return m, nil
}

func mapRowKey(kid byte, encKey []byte) []byte {
	return keycodec.CompositeKey([]byte{kid, mapRowSub}, encKey)
}

func mapReverseKey(kid byte, encDocID []byte) []byte {
	return keycodec.CompositeKey([]byte{kid, mapReverseSub}, encDocID)
}

func (m *Map) indexDocument(b *kvengine.Batch, doc docstore.Document) error {
	kid := m.core.Kid
	encDocID := keycodec.Encode(nil, doc.Id)
	revKey := mapReverseKey(kid, encDocID)

	var prevEncKey []byte
	if raw, ok, err := m.core.Eng.Get(revKey); err != nil {
		return fmt.Errorf("read reverse record: %w", err)
	} else if ok {
		prevEncKey = raw
	}
	if prevEncKey != nil {
		b.Delete(mapRowKey(kid, prevEncKey))
	}

	var newEncKey []byte
	var newKeyVal any
	if !doc.Deleted && m.mapFn != nil {
		if key, value, ok := m.mapFn(doc); ok {
			newEncKey = keycodec.Encode(nil, key)
			newKeyVal = key
			b.Set(mapRowKey(kid, newEncKey), value)
		}
	}

	if newEncKey != nil {
		b.Set(revKey, newEncKey)
	} else if prevEncKey != nil {
		b.Delete(revKey)
	}

	var changed []any
	if prevEncKey != nil {
		if k, _, err := keycodec.Decode(prevEncKey); err == nil {
			changed = append(changed, k)
		}
	}
	if newEncKey != nil {
		changed = append(changed, newKeyVal)
	}
	if len(changed) > 0 {
		m.core.Observers.Broadcast(b, changed)
	}
	return nil
}

// Update pulls every change since the map's last catch-up point and
// reapplies mapFn.
func (m *Map) Update() error {
	return m.core.Update(m.indexDocument)
}

// Observe registers fn with the map's change-key broadcast.
func (m *Map) Observe(fn viewcore.ChangeObserver) viewcore.Handle {
	return m.core.Observers.Subscribe(fn)
}

// Unobserve cancels a prior Observe registration.
func (m *Map) Unobserve(h viewcore.Handle) { m.core.Observers.Unsubscribe(h) }

// GetEngine exposes the backing engine for aggregator.Source.
func (m *Map) GetEngine() kvengine.Engine { return m.core.Eng }
