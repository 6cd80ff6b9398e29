// Package memengine is an in-memory kvengine.Engine used by tests across
// the module. It trades persistence for determinism: a sorted key slice
// plus a map gives the same ordered-iteration contract as the pebble
// backend without touching disk, grounded on the in-process index
// discipline the teacher's datastore.go keeps over Redis (sorted positions,
// rebuildable from the backing data).
package memengine

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/docdbgo/docdb/internal/kvengine"
)

// Engine is a sync.RWMutex-guarded map plus a sorted key slice.
type Engine struct {
	mu   sync.RWMutex
	data map[string][]byte
	keys []string // kept sorted by binary insertion on every new key

	obsMu     sync.Mutex
	observers []kvengine.Observer
}

// New returns an empty in-memory engine.
func New() *Engine {
	return &Engine{data: make(map[string][]byte)}
}

// Subscribe registers an observer fired synchronously after every
// successful Write, mirroring the commit-notification path a real batch
// observer rides on the pebble side (kvengine.Batch.OnCommit). Returns an
// unsubscribe function.
func (e *Engine) Subscribe(obs kvengine.Observer) (cancel func()) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, obs)
	idx := len(e.observers) - 1
	return func() {
		e.obsMu.Lock()
		defer e.obsMu.Unlock()
		if idx < len(e.observers) {
			e.observers[idx] = nil
		}
	}
}

func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (e *Engine) NewBatch() *kvengine.Batch { return kvengine.NewBatch() }

func (e *Engine) Write(b *kvengine.Batch, sync bool) error {
	e.mu.Lock()
	e.applyLocked(b)
	e.mu.Unlock()

	b.Fire(true)
	e.notify(b, true)
	return nil
}

// applyLocked replays b's staged operations; the caller (Write) holds e.mu
// for writing. A WriteForward snapshot goes through the live engine's Write.
func (e *Engine) applyLocked(b *kvengine.Batch) {
	for _, o := range b.Ops() {
		switch o.Kind {
		case kvengine.OpSet:
			e.setLocked(o.Key, o.Val)
		case kvengine.OpDelete:
			e.deleteLocked(o.Key)
		case kvengine.OpDeleteRange:
			e.deleteRangeLocked(o.Key, o.To)
		}
	}
}

func (e *Engine) setLocked(key, val []byte) {
	k := string(key)
	if _, exists := e.data[k]; !exists {
		i := sort.SearchStrings(e.keys, k)
		e.keys = append(e.keys, "")
		copy(e.keys[i+1:], e.keys[i:])
		e.keys[i] = k
	}
	e.data[k] = append([]byte(nil), val...)
}

func (e *Engine) deleteLocked(key []byte) {
	k := string(key)
	if _, exists := e.data[k]; !exists {
		return
	}
	delete(e.data, k)
	i := sort.SearchStrings(e.keys, k)
	if i < len(e.keys) && e.keys[i] == k {
		e.keys = append(e.keys[:i], e.keys[i+1:]...)
	}
}

func (e *Engine) deleteRangeLocked(from, to []byte) {
	lo := sort.SearchStrings(e.keys, string(from))
	hi := len(e.keys)
	if to != nil {
		hi = sort.SearchStrings(e.keys, string(to))
	}
	if lo >= hi {
		return
	}
	victims := append([]string(nil), e.keys[lo:hi]...)
	for _, k := range victims {
		delete(e.data, k)
	}
	e.keys = append(e.keys[:lo], e.keys[hi:]...)
}

func (e *Engine) notify(b *kvengine.Batch, committed bool) {
	e.obsMu.Lock()
	obs := append([]kvengine.Observer(nil), e.observers...)
	e.obsMu.Unlock()
	for _, o := range obs {
		if o != nil {
			o(b, committed)
		}
	}
}

func (e *Engine) NewIterator(r kvengine.Range) kvengine.Iterator {
	e.mu.RLock()
	defer e.mu.RUnlock()

	lo, hi := r.From, r.To
	backward := hi != nil && bytes.Compare(lo, hi) > 0
	if backward {
		lo, hi = hi, lo
	}

	start := 0
	if lo != nil {
		start = sort.SearchStrings(e.keys, string(lo))
	}
	end := len(e.keys)
	if hi != nil {
		end = sort.SearchStrings(e.keys, string(hi))
	}
	if start > end {
		start = end
	}

	snapKeys := append([]string(nil), e.keys[start:end]...)
	snapVals := make([][]byte, len(snapKeys))
	for i, k := range snapKeys {
		snapVals[i] = append([]byte(nil), e.data[k]...)
	}

	if r.ExcludeBegin && len(snapKeys) > 0 && snapKeys[0] == string(r.From) {
		snapKeys, snapVals = snapKeys[1:], snapVals[1:]
	}
	if r.ExcludeEnd && len(snapKeys) > 0 && snapKeys[len(snapKeys)-1] == string(r.To) {
		snapKeys = snapKeys[:len(snapKeys)-1]
		snapVals = snapVals[:len(snapVals)-1]
	}

	if backward {
		for i, j := 0, len(snapKeys)-1; i < j; i, j = i+1, j-1 {
			snapKeys[i], snapKeys[j] = snapKeys[j], snapKeys[i]
			snapVals[i], snapVals[j] = snapVals[j], snapVals[i]
		}
	}

	return &iterator{keys: snapKeys, vals: snapVals, pos: -1}
}

func (e *Engine) NewSnapshot(mode kvengine.SnapshotMode) kvengine.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	data := make(map[string][]byte, len(e.data))
	for k, v := range e.data {
		data[k] = append([]byte(nil), v...)
	}
	keys := append([]string(nil), e.keys...)
	return &snapshot{
		frozen: &Engine{data: data, keys: keys},
		mode:   mode,
		live:   e,
	}
}

func (e *Engine) ApproximateSize(ranges []kvengine.Range) ([]uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]uint64, len(ranges))
	for i, r := range ranges {
		lo := 0
		if r.From != nil {
			lo = sort.SearchStrings(e.keys, string(r.From))
		}
		hi := len(e.keys)
		if r.To != nil {
			hi = sort.SearchStrings(e.keys, string(r.To))
		}
		var sz uint64
		for _, k := range e.keys[lo:hi] {
			sz += uint64(len(k) + len(e.data[k]))
		}
		out[i] = sz
	}
	return out, nil
}

// CompactRange is a no-op: there is nothing to compact in memory.
func (e *Engine) CompactRange(from, to []byte) error { return nil }

func (e *Engine) Close() error { return nil }

type iterator struct {
	keys []string
	vals [][]byte
	pos  int
}

func (it *iterator) Valid() bool { return it.pos >= 0 && it.pos < len(it.keys) }

func (it *iterator) Next() bool {
	it.pos++
	return it.Valid()
}

func (it *iterator) Key() []byte   { return []byte(it.keys[it.pos]) }
func (it *iterator) Value() []byte { return append([]byte(nil), it.vals[it.pos]...) }
func (it *iterator) Err() error    { return nil }
func (it *iterator) Close() error  { return nil }

// snapshot is a frozen copy of the engine's data taken at NewSnapshot time,
// wrapped so WriteForward mode can still reach the live engine.
type snapshot struct {
	frozen *Engine
	mode   kvengine.SnapshotMode
	live   *Engine
}

func (s *snapshot) Get(key []byte) ([]byte, bool, error) { return s.frozen.Get(key) }
func (s *snapshot) NewBatch() *kvengine.Batch             { return kvengine.NewBatch() }

func (s *snapshot) Write(b *kvengine.Batch, sync bool) error {
	switch s.mode {
	case kvengine.WriteForward:
		return s.live.Write(b, sync)
	case kvengine.WriteIgnore:
		b.Fire(false)
		return nil
	default:
		b.Fire(false)
		return fmt.Errorf("memengine: write rejected on read-only snapshot")
	}
}

func (s *snapshot) NewIterator(r kvengine.Range) kvengine.Iterator { return s.frozen.NewIterator(r) }

func (s *snapshot) NewSnapshot(mode kvengine.SnapshotMode) kvengine.Snapshot {
	return &snapshot{frozen: s.frozen, mode: mode, live: s.live}
}

func (s *snapshot) ApproximateSize(ranges []kvengine.Range) ([]uint64, error) {
	return s.frozen.ApproximateSize(ranges)
}

func (s *snapshot) CompactRange(from, to []byte) error { return nil }
func (s *snapshot) Close() error                       { return nil }

var _ kvengine.Engine = (*Engine)(nil)
var _ kvengine.Snapshot = (*snapshot)(nil)

// waitGroup implements kvengine.Waiter over a sync.Cond, grounded on the
// teacher's slot_pool.go acquire/release-with-broadcast pattern adapted
// from a semaphore to a monotonically increasing sequence counter.
type waitGroup struct {
	mu       sync.Mutex
	cond     *sync.Cond
	seq      uint64
	canceled bool
}

func newWaitGroup() *waitGroup {
	w := &waitGroup{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *waitGroup) advance(seq uint64) {
	w.mu.Lock()
	if seq > w.seq {
		w.seq = seq
	}
	w.mu.Unlock()
	w.cond.Broadcast()
}

func (w *waitGroup) Wait(ctx context.Context, since uint64) (uint64, error) {
	w.mu.Lock()
	for w.seq <= since && !w.canceled && ctx.Err() == nil {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				w.cond.Broadcast()
			case <-done:
			}
		}()
		w.cond.Wait()
		close(done)
	}
	seq, canceled := w.seq, w.canceled
	w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return seq, err
	}
	if canceled {
		return seq, fmt.Errorf("memengine: listen canceled")
	}
	return seq, nil
}

func (w *waitGroup) CancelListen() {
	w.mu.Lock()
	w.canceled = true
	w.mu.Unlock()
	w.cond.Broadcast()
}
