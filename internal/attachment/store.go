// Package attachment implements the segmented blob store described in
// spec §4.9: large binary values are chunked into sequentially numbered
// segments, metadata rows track which segments belong to which document's
// attachment, and a reference-counted GC sweep against a document source
// reclaims segments no document keeps anymore.
package attachment

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/docdbgo/docdb/internal/keycodec"
	"github.com/docdbgo/docdb/internal/keyspace"
	"github.com/docdbgo/docdb/internal/kvengine"
)

const (
	classAttachment byte = 16

	subMeta    byte = 0x01 // <kid><subMeta><docId><attId>     -> metadata json
	subSegment byte = 0x02 // <kid><subSegment><bigEndian segId> -> blob bytes
	subCounter byte = 0x03 // <kid><subCounter>                  -> counter json
	subPending byte = 0x04 // <kid><subPending>                  -> []uint64 json
)

// Options configures a Store. Zero value takes the spec defaults.
type Options struct {
	MinSegment int
	MaxSegment int
}

const (
	defaultMinSegment = 10_000
	defaultMaxSegment = 50_000
)

func (o Options) normalized() Options {
	if o.MinSegment <= 0 {
		o.MinSegment = defaultMinSegment
	}
	if o.MaxSegment <= 0 {
		o.MaxSegment = defaultMaxSegment
	}
	return o
}

// Metadata is one attachment's stored descriptor.
type Metadata struct {
	ContentType string   `json:"contentType"`
	HashB64URL  string   `json:"hash"`
	SegIDs      []uint64 `json:"segIds"`
}

type counter struct {
	NextSegID      uint64 `json:"nextSegId"`
	LastScannedSeq uint64 `json:"lastScannedSeq"`
	Revision       int    `json:"revision"`
}

// Store is a segmented attachment blob store bound to one keyspace.
type Store struct {
	ks   *keyspace.Manager
	eng  kvengine.Engine
	kid  byte
	opts Options

	mu      sync.Mutex
	counter counter

	inFlight int32 // ref count of open, uncommitted uploads
}

func metaKey(kid byte, docID, attID string) []byte {
	return keycodec.CompositeKey([]byte{kid, subMeta}, keycodec.Encode(nil, docID), keycodec.Encode(nil, attID))
}

func metaPrefixForDoc(kid byte, docID string) []byte {
	return keycodec.CompositeKey([]byte{kid, subMeta}, keycodec.Encode(nil, docID))
}

func segKey(kid byte, segID uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], segID)
	return keycodec.CompositeKey([]byte{kid, subSegment}, buf[:])
}

func counterKey(kid byte) []byte { return []byte{kid, subCounter} }
func pendingKey(kid byte) []byte { return []byte{kid, subPending} }

// Open allocates (or recovers) the keyspace backing name, resolves the
// §9 "pendingWrites on open" Open Question literally: the pending list is
// authoritative, so any segment id it names that isn't referenced by any
// metadata row is garbage from a crash between Close and Commit, and is
// deleted; the list is then cleared.
func Open(ks *keyspace.Manager, eng kvengine.Engine, name string, revision int, opts Options) (*Store, error) {
	opts = opts.normalized()

	kid, err := ks.Alloc(classAttachment, name)
	if err != nil {
		return nil, fmt.Errorf("attachment: open %q: alloc: %w", name, err)
	}

	var c counter
	if v, ok, err := eng.Get(counterKey(kid)); err != nil {
		return nil, fmt.Errorf("attachment: open %q: read counter: %w", name, err)
	} else if ok {
		if err := json.Unmarshal(v, &c); err != nil {
			return nil, fmt.Errorf("attachment: open %q: decode counter: %w", name, err)
		}
	}
	if c.Revision != revision {
		b := eng.NewBatch()
		b.DeleteRange([]byte{kid}, []byte{kid + 1})
		if err := eng.Write(b, true); err != nil {
			return nil, fmt.Errorf("attachment: open %q: truncate: %w", name, err)
		}
		c = counter{Revision: revision}
	}

	s := &Store{ks: ks, eng: eng, kid: kid, opts: opts, counter: c}
	ks.Lock(kid)

	if err := s.reapPending(); err != nil {
		ks.Unlock(kid)
		return nil, fmt.Errorf("attachment: open %q: %w", name, err)
	}
	return s, nil
}

// Close releases the attachment store's keyspace lock.
func (s *Store) Close() { s.ks.Unlock(s.kid) }

func (s *Store) reapPending() error {
	raw, ok, err := s.eng.Get(pendingKey(s.kid))
	if err != nil {
		return fmt.Errorf("read pending list: %w", err)
	}
	if !ok {
		return nil
	}
	var pending []uint64
	if err := json.Unmarshal(raw, &pending); err != nil {
		return fmt.Errorf("decode pending list: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	referenced, err := s.allReferencedSegIDs()
	if err != nil {
		return fmt.Errorf("scan referenced segments: %w", err)
	}

	b := s.eng.NewBatch()
	for _, segID := range pending {
		if _, ok := referenced[segID]; !ok {
			b.Delete(segKey(s.kid, segID))
		}
	}
	b.Delete(pendingKey(s.kid))
	if err := s.eng.Write(b, true); err != nil {
		return fmt.Errorf("commit pending reap: %w", err)
	}
	return nil
}

func (s *Store) allReferencedSegIDs() (map[uint64]struct{}, error) {
	out := map[uint64]struct{}{}
	it := s.eng.NewIterator(kvengine.Range{
		From: []byte{s.kid, subMeta},
		To:   []byte{s.kid, subMeta + 1},
	})
	defer it.Close()
	for it.Valid() {
		var m Metadata
		if err := json.Unmarshal(it.Value(), &m); err == nil {
			for _, id := range m.SegIDs {
				out[id] = struct{}{}
			}
		}
		it.Next()
	}
	return out, it.Err()
}

func (s *Store) nextSegID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.counter.NextSegID
	s.counter.NextSegID++
	return id
}

func (s *Store) persistCounter() error {
	s.mu.Lock()
	c := s.counter
	s.mu.Unlock()
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	b := s.eng.NewBatch()
	b.Set(counterKey(s.kid), data)
	return s.eng.Write(b, false)
}

// Get reassembles and returns an attachment's bytes and metadata.
func (s *Store) Get(docID, attID string) ([]byte, Metadata, bool, error) {
	raw, ok, err := s.eng.Get(metaKey(s.kid, docID, attID))
	if err != nil {
		return nil, Metadata{}, false, fmt.Errorf("attachment: get(%s,%s): %w", docID, attID, err)
	}
	if !ok {
		return nil, Metadata{}, false, nil
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, Metadata{}, false, fmt.Errorf("attachment: get(%s,%s): decode metadata: %w", docID, attID, err)
	}

	var out []byte
	for _, segID := range m.SegIDs {
		v, ok, err := s.eng.Get(segKey(s.kid, segID))
		if err != nil {
			return nil, Metadata{}, false, fmt.Errorf("attachment: get(%s,%s): read segment %d: %w", docID, attID, segID, err)
		}
		if !ok {
			return nil, Metadata{}, false, fmt.Errorf("attachment: get(%s,%s): missing segment %d", docID, attID, segID)
		}
		out = append(out, v...)
	}
	return out, m, true, nil
}

// incInFlight and decInFlight ref-count concurrently open uploads, so GC
// can be told "the last in-flight upload just committed" (spec §4.9.2).
func (s *Store) incInFlight() { atomic.AddInt32(&s.inFlight, 1) }
func (s *Store) decInFlight() int32 { return atomic.AddInt32(&s.inFlight, -1) }
