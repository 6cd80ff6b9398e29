// Package aggregator implements the materialized-view-of-a-view described
// in spec §4.7: a source view's rows are grouped by a mapKey function into
// result keys, each invalidated lazily as a recipe row and recomputed by a
// reduce function the first time it's read.
package aggregator

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/docdbgo/docdb/internal/keycodec"
	"github.com/docdbgo/docdb/internal/keyspace"
	"github.com/docdbgo/docdb/internal/kvengine"
	"github.com/docdbgo/docdb/internal/viewcore"
	"golang.org/x/sync/singleflight"
)

const (
	classAggregator byte = 15
	aggRowSub       byte = 0x01
)

// Source is the narrow boundary an aggregator needs onto its upstream view
// (spec §9's "AggregatorAdapter... a small interface specifying only the
// source operations the aggregator needs"): View, jsonmap.Map and
// jsonmap.Filter all satisfy it already.
type Source interface {
	Find(key any, opts viewcore.FindOptions) viewcore.RowIterator
	Prefix(key any, opts viewcore.FindOptions) viewcore.RowIterator
	Range(fromKey, toKey any, opts viewcore.RangeOptions) viewcore.RowIterator
	Observe(fn viewcore.ChangeObserver) viewcore.Handle
	Unobserve(h viewcore.Handle)
	GetEngine() kvengine.Engine
}

// Emit is called by MapKeyFunc once per recipe a changed source key
// invalidates.
type Emit func(resultKey any, op Op, fromKey, toKey any, includeUpper bool, userVal any)

// MapKeyFunc maps one changed source-view user key to zero or more
// invalidated result keys.
type MapKeyFunc func(key any, groupLevel int, emit Emit)

// ReduceFunc computes the aggregated value for a result key from an
// iterator over the matching source rows. It is never called over an
// empty iterator (spec §4.7.2 step 3 deletes the recipe instead) and must
// be total and deterministic over what it's given.
type ReduceFunc func(rows viewcore.RowIterator, userVal any) (json.RawMessage, error)

// Options configures an Aggregator.
type Options struct {
	// Revision invalidates and rebuilds the on-disk aggregate when changed.
	Revision int
	// GroupLevel parameterizes the default MapKeyFunc (spec §4.7.1):
	// 0 collapses everything into one bucket; for an array key of length
	// N with GroupLevel<=N, the key's first GroupLevel elements become a
	// PREFIX bucket; otherwise the whole key is its own FIND bucket.
	GroupLevel int
	// MapKey overrides the default grouping. Nil uses DefaultMapKey(GroupLevel).
	MapKey MapKeyFunc
	Reduce ReduceFunc
}

// DefaultMapKey implements the §4.7.1 convention this module resolves the
// groupLevel Open Question with: it is not reconsidered per-call.
func DefaultMapKey(groupLevel int) MapKeyFunc {
	return func(key any, _ int, emit Emit) {
		if groupLevel == 0 {
			emit(nil, OpFind, nil, nil, false, nil)
			return
		}
		if arr, ok := key.([]any); ok && groupLevel <= len(arr) {
			prefix := append([]any(nil), arr[:groupLevel]...)
			emit(prefix, OpPrefix, nil, nil, false, nil)
			return
		}
		emit(key, OpFind, nil, nil, false, nil)
	}
}

// Aggregator is a materialized view of a Source view: its rows are either
// an authoritative encoded JSON value or a stale recipe (spec invariant 6).
type Aggregator struct {
	mu  sync.Mutex
	ks  *keyspace.Manager
	eng kvengine.Engine
	src Source
	kid byte

	groupLevel int
	mapKey     MapKeyFunc
	reduce     ReduceFunc

	handle viewcore.Handle
	sf     singleflight.Group
}

type aggMeta struct {
	Revision int `json:"revision"`
}

func aggRowKey(kid byte, encResultKey []byte) []byte {
	return keycodec.CompositeKey([]byte{kid, aggRowSub}, encResultKey)
}

// Open builds or resumes a named aggregator over src and subscribes to
// its change-key broadcast for the aggregator's lifetime.
func Open(ks *keyspace.Manager, eng kvengine.Engine, src Source, name string, opts Options) (*Aggregator, error) {
	kid, err := ks.Alloc(classAggregator, name)
	if err != nil {
		return nil, fmt.Errorf("aggregator: open %q: alloc: %w", name, err)
	}

	var m aggMeta
	found, err := ks.GetMetadata(kid, &m)
	if err != nil {
		return nil, fmt.Errorf("aggregator: open %q: read metadata: %w", name, err)
	}
	if !found || m.Revision != opts.Revision {
		b := eng.NewBatch()
		b.DeleteRange([]byte{kid}, []byte{kid + 1})
		if err := eng.Write(b, true); err != nil {
			return nil, fmt.Errorf("aggregator: open %q: truncate: %w", name, err)
		}
		if err := ks.PutMetadata(kid, aggMeta{Revision: opts.Revision}); err != nil {
			return nil, fmt.Errorf("aggregator: open %q: write metadata: %w", name, err)
		}
	}

	mapKey := opts.MapKey
	if mapKey == nil {
		mapKey = DefaultMapKey(opts.GroupLevel)
	}
	if opts.Reduce == nil {
		return nil, fmt.Errorf("aggregator: open %q: Reduce is required", name)
	}

	ks.Lock(kid)

	a := &Aggregator{
		ks: ks, eng: eng, src: src, kid: kid,
		groupLevel: opts.GroupLevel, mapKey: mapKey, reduce: opts.Reduce,
	}
	a.handle = src.Observe(a.onSourceChanged)
	return a, nil
}

// Close releases the aggregator's keyspace lock and cancels its upstream
// subscription.
func (a *Aggregator) Close() {
	a.src.Unobserve(a.handle)
	a.ks.Unlock(a.kid)
}

// onSourceChanged is the upstream ChangeObserver: it invalidates every
// result key the mapKey function derives from each changed source key,
// writing the recipe rows into the same batch the source is committing
// (spec §4.7.1 — "each emitted tuple is written as a recipe row...
// overwrites any authoritative value, marking it stale").
func (a *Aggregator) onSourceChanged(b *kvengine.Batch, changedKeys []any) bool {
	for _, k := range changedKeys {
		a.mapKey(k, a.groupLevel, func(resultKey any, op Op, fromKey, toKey any, includeUpper bool, userVal any) {
			encResultKey := keycodec.Encode(nil, resultKey)
			row := recipe{op: op, key: resultKey, fromKey: fromKey, toKey: toKey, includeUpper: includeUpper, userVal: userVal}
			b.Set(aggRowKey(a.kid, encResultKey), encodeRecipe(row))
		})
	}
	return true
}

func (a *Aggregator) sourceIterator(r recipe) viewcore.RowIterator {
	switch r.op {
	case OpFind:
		return a.src.Find(r.key, viewcore.FindOptions{})
	case OpPrefix:
		return a.src.Prefix(r.key, viewcore.FindOptions{})
	case OpRange:
		return a.src.Range(r.fromKey, r.toKey, viewcore.RangeOptions{IncludeUpper: r.includeUpper})
	default:
		return nil
	}
}

// recompute resolves a stale recipe row into either an authoritative value
// or "missing" (spec §4.7.2), writing the result back in a small batch
// committed immediately so subsequent reads are O(1).
func (a *Aggregator) recompute(encResultKey []byte, r recipe) (json.RawMessage, bool, error) {
	it := a.sourceIterator(r)
	if it == nil {
		return nil, false, fmt.Errorf("aggregator: recompute: unknown opcode %d", r.op)
	}
	defer it.Close()

	first, ok, err := it.Next()
	if err != nil {
		return nil, false, fmt.Errorf("aggregator: recompute: scan source: %w", err)
	}
	key := aggRowKey(a.kid, encResultKey)
	if !ok {
		b := a.eng.NewBatch()
		b.Delete(key)
		if err := a.eng.Write(b, false); err != nil {
			return nil, false, fmt.Errorf("aggregator: recompute: delete stale: %w", err)
		}
		return nil, false, nil
	}

	value, err := a.reduce(&prependIterator{first: first, rest: it}, r.userVal)
	if err != nil {
		return nil, false, fmt.Errorf("aggregator: recompute: reduce: %w", err)
	}

	b := a.eng.NewBatch()
	b.Set(key, value)
	if err := a.eng.Write(b, false); err != nil {
		return nil, false, fmt.Errorf("aggregator: recompute: commit: %w", err)
	}
	return value, true, nil
}

// prependIterator re-plays a row already pulled off an underlying
// RowIterator, so the empty-check in recompute doesn't consume a row the
// reduce function needs to see.
type prependIterator struct {
	first viewcore.Row
	done  bool
	rest  viewcore.RowIterator
}

func (p *prependIterator) Next() (viewcore.Row, bool, error) {
	if !p.done {
		p.done = true
		return p.first, true, nil
	}
	return p.rest.Next()
}

func (p *prependIterator) Close() error { return p.rest.Close() }

// Lookup returns the aggregated value for resultKey, recomputing it first
// if the stored row is a stale recipe. Concurrent lookups of the same cold
// result key are collapsed via singleflight so only one reduce runs.
func (a *Aggregator) Lookup(resultKey any) (json.RawMessage, bool, error) {
	encResultKey := keycodec.Encode(nil, resultKey)
	key := aggRowKey(a.kid, encResultKey)

	raw, ok, err := a.eng.Get(key)
	if err != nil {
		return nil, false, fmt.Errorf("aggregator: lookup: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	if !isRecipe(raw) {
		return json.RawMessage(raw), true, nil
	}

	r, err := decodeRecipe(raw)
	if err != nil {
		return nil, false, fmt.Errorf("aggregator: lookup: %w", err)
	}

	v, err, _ := a.sf.Do(string(key), func() (any, error) {
		value, ok, err := a.recompute(encResultKey, r)
		return struct {
			value json.RawMessage
			ok    bool
		}{value, ok}, err
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(struct {
		value json.RawMessage
		ok    bool
	})
	return res.value, res.ok, nil
}
