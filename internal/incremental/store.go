// Package incremental is an append-only, sequence-numbered change feed
// layered directly on one keyspace. Every write gets a new monotonically
// increasing seq; derived components resume indexing from a recorded
// lastSeq by scanning strictly-newer records — the same "recover position,
// replay forward" discipline as the teacher's
// internal/infrastructure/datastore/datastore.go reconcile step, but keyed
// by an ordered seq instead of a Redis SMEMBERS index.
package incremental

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/docdbgo/docdb/internal/kvengine"
)

const seqKeyLen = 9 // 1 kid byte + 8 big-endian seq bytes

// Store assigns each write a new seqId and keys it <kid><bigEndianU64 seq>.
type Store struct {
	kid byte
	eng kvengine.Engine
	hub *Hub

	// mu serializes seq allocation. The spec's literal design has
	// createBatch() hold a store-wide mutex for the whole batch's
	// lifetime; here only the counter bump and key stage need
	// exclusivity, because Engine.Write already commits a batch
	// atomically regardless of how many goroutines raced to build it.
	mu      sync.Mutex
	nextSeq uint64

	wait *waitGroup
}

// Open recovers nextSeq by seeking the last key in kid's range; an empty
// keyspace starts nextSeq at 1.
func Open(eng kvengine.Engine, kid byte) (*Store, error) {
	s := &Store{kid: kid, eng: eng, hub: newHub(), nextSeq: 1, wait: newWaitGroup()}

	it := eng.NewIterator(kvengine.Range{From: []byte{kid + 1}, To: []byte{kid}})
	defer it.Close()
	if it.Valid() {
		k := it.Key()
		if len(k) == seqKeyLen {
			seq := binary.BigEndian.Uint64(k[1:])
			s.nextSeq = seq + 1
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("incremental: open kid %d: recover seq: %w", kid, err)
	}
	return s, nil
}

func (s *Store) seqKey(seq uint64) []byte {
	buf := make([]byte, seqKeyLen)
	buf[0] = s.kid
	binary.BigEndian.PutUint64(buf[1:], seq)
	return buf
}

// Put stages payload on b under a freshly allocated seq, returning it. The
// hub broadcasts right away, while b is still open, so whatever observers
// stage on b commits (or is abandoned) together with the record. The caller
// commits b itself; on a successful commit any WaitForChanges callers
// blocked below seq wake up.
func (s *Store) Put(b *kvengine.Batch, payload any) (uint64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("incremental: put: encode payload: %w", err)
	}

	s.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	s.mu.Unlock()

	b.Set(s.seqKey(seq), data)

	s.hub.broadcast(b, seq, json.RawMessage(data))

	wait := s.wait
	b.OnCommit(func(committed bool) {
		if !committed {
			return
		}
		wait.advance(seq)
	})

	return seq, nil
}

// Get returns the payload recorded at seq, if any.
func (s *Store) Get(seq uint64) (json.RawMessage, bool, error) {
	v, ok, err := s.eng.Get(s.seqKey(seq))
	if err != nil {
		return nil, false, fmt.Errorf("incremental: get(%d): %w", seq, err)
	}
	if !ok {
		return nil, false, nil
	}
	return json.RawMessage(v), true, nil
}

// Erase stages deletion of the record at seq on b.
func (s *Store) Erase(b *kvengine.Batch, seq uint64) {
	b.Delete(s.seqKey(seq))
}

// GetSeq reports the most recently assigned seq, or 0 if none have been
// assigned yet.
func (s *Store) GetSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq - 1
}

// Record is one (seq, payload) pair yielded by a ChangeIterator.
type Record struct {
	Seq     uint64
	Payload json.RawMessage
}

// ChangeIterator walks records strictly newer than the seq ScanFrom was
// called with.
type ChangeIterator struct {
	it  kvengine.Iterator
	kid byte
}

// Next advances and returns the next record, or ok=false at end of range.
func (c *ChangeIterator) Next() (Record, bool) {
	if !c.it.Valid() {
		return Record{}, false
	}
	k, v := c.it.Key(), c.it.Value()
	rec := Record{Payload: append(json.RawMessage(nil), v...)}
	if len(k) == seqKeyLen {
		rec.Seq = binary.BigEndian.Uint64(k[1:])
	}
	c.it.Next()
	return rec, true
}

// Err reports any iteration error encountered.
func (c *ChangeIterator) Err() error { return c.it.Err() }

// Close releases the underlying engine cursor.
func (c *ChangeIterator) Close() error { return c.it.Close() }

// ScanFrom returns an iterator over records strictly newer than since, so
// ScanFrom(lastSeen) yields only what a caller hasn't seen.
func (s *Store) ScanFrom(since uint64) *ChangeIterator {
	it := s.eng.NewIterator(kvengine.Range{
		From: s.seqKey(since + 1),
		To:   []byte{s.kid + 1},
	})
	return &ChangeIterator{it: it, kid: s.kid}
}

// AddObserver registers fn on the store's hub; fn returning false
// unsubscribes it before the next broadcast.
func (s *Store) AddObserver(fn func(b *kvengine.Batch, seq uint64, payload json.RawMessage) bool) Handle {
	return s.hub.Subscribe(fn)
}

// RemoveObserver unregisters a previously added observer.
func (s *Store) RemoveObserver(h Handle) {
	s.hub.Unsubscribe(h)
}

// WaitForChanges blocks until seq advances past since, ctx is cancelled,
// or CancelListen is called — whichever comes first. Supplemented from
// original_source/src/docdblib/incremental_store.h.
func (s *Store) WaitForChanges(ctx context.Context, since uint64) (uint64, error) {
	return s.wait.Wait(ctx, since)
}

// CancelListen wakes every blocked WaitForChanges caller with a "stopped"
// error.
func (s *Store) CancelListen() {
	s.wait.CancelListen()
}
