// Package docstore layers revision-chain conflict resolution and a
// tombstone/graveyard on top of an incremental.Store: the incremental
// store is the payload heap, a separate header row per document id tracks
// its current seq and bounded revision history.
package docstore

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/docdbgo/docdb/internal/incremental"
	"github.com/docdbgo/docdb/internal/keycodec"
	"github.com/docdbgo/docdb/internal/keyspace"
	"github.com/docdbgo/docdb/internal/kvengine"
)

const (
	classIncremental byte = 1
	classLive        byte = 2
	classGraveyard   byte = 3

	defaultRevHistoryLength = 100
	maxRevHistoryLength     = 1000
)

// Options configures a Store. Zero value is valid; RevHistoryLength <= 0
// takes the default and is clamped to the hard cap.
type Options struct {
	RevHistoryLength int
	Graveyard        bool
	TimestampFn      func() uint64
	Sync             bool
}

func (o Options) normalized() Options {
	if o.RevHistoryLength <= 0 {
		o.RevHistoryLength = defaultRevHistoryLength
	}
	if o.RevHistoryLength > maxRevHistoryLength {
		o.RevHistoryLength = maxRevHistoryLength
	}
	if o.TimestampFn == nil {
		o.TimestampFn = func() uint64 { return uint64(time.Now().UnixMilli()) }
	}
	return o
}

// Store is a document store: an incremental.Store used as a payload heap,
// plus a header row per document id recording its seq, deleted flag and
// bounded revision chain.
type Store struct {
	mu sync.Mutex

	ks  *keyspace.Manager
	eng kvengine.Engine
	inc *incremental.Store

	liveKid      byte
	graveyardKid byte
	graveyardOn  bool

	opts Options
}

// Open allocates (or recovers) the keyspaces backing name and locks them
// for the Store's lifetime; Close releases the locks.
func Open(ks *keyspace.Manager, eng kvengine.Engine, name string, opts Options) (*Store, error) {
	opts = opts.normalized()

	incKid, err := ks.Alloc(classIncremental, name)
	if err != nil {
		return nil, fmt.Errorf("docstore: open %q: alloc incremental kid: %w", name, err)
	}
	liveKid, err := ks.Alloc(classLive, name)
	if err != nil {
		return nil, fmt.Errorf("docstore: open %q: alloc live kid: %w", name, err)
	}
	graveyardKid := liveKid
	if opts.Graveyard {
		graveyardKid, err = ks.Alloc(classGraveyard, name)
		if err != nil {
			return nil, fmt.Errorf("docstore: open %q: alloc graveyard kid: %w", name, err)
		}
	}

	inc, err := incremental.Open(eng, incKid)
	if err != nil {
		return nil, fmt.Errorf("docstore: open %q: incremental: %w", name, err)
	}

	ks.Lock(liveKid)
	if graveyardKid != liveKid {
		ks.Lock(graveyardKid)
	}

	return &Store{
		ks:           ks,
		eng:          eng,
		inc:          inc,
		liveKid:      liveKid,
		graveyardKid: graveyardKid,
		graveyardOn:  opts.Graveyard,
		opts:         opts,
	}, nil
}

// Close releases the keyspace locks taken at Open.
func (s *Store) Close() {
	s.ks.Unlock(s.liveKid)
	if s.graveyardKid != s.liveKid {
		s.ks.Unlock(s.graveyardKid)
	}
}

// Incremental exposes the underlying change feed for derived components.
func (s *Store) Incremental() *incremental.Store { return s.inc }

// GetSeq reports the most recently assigned change-feed seq, for callers
// (attachment GC) that need a high-water mark without scanning.
func (s *Store) GetSeq() uint64 { return s.inc.GetSeq() }

func headerKey(kid byte, id string) []byte {
	return keycodec.CompositeKey([]byte{kid}, keycodec.Encode(nil, id))
}

// decodeKeyTail decodes the encoded value that follows a key's leading
// kid byte.
func decodeKeyTail(key []byte) (any, int, error) {
	if len(key) < 1 {
		return nil, 0, fmt.Errorf("docstore: key too short")
	}
	return keycodec.Decode(key[1:])
}

func (s *Store) readHeader(kid byte, id string) (header, bool, error) {
	v, ok, err := s.eng.Get(headerKey(kid, id))
	if err != nil {
		return header{}, false, fmt.Errorf("docstore: read header: %w", err)
	}
	if !ok {
		return header{}, false, nil
	}
	h, err := decodeHeader(v)
	if err != nil {
		return header{}, false, fmt.Errorf("docstore: decode header(%q): %w", id, err)
	}
	return h, true, nil
}

// currentHeader locates id's header wherever it lives: live kid first,
// then graveyard kid if distinct (a document can appear in at most one).
func (s *Store) currentHeader(id string) (h header, kid byte, ok bool, err error) {
	h, ok, err = s.readHeader(s.liveKid, id)
	if err != nil || ok {
		return h, s.liveKid, ok, err
	}
	if s.graveyardKid == s.liveKid {
		return header{}, 0, false, nil
	}
	h, ok, err = s.readHeader(s.graveyardKid, id)
	return h, s.graveyardKid, ok, err
}

// Put performs an expected-revision update (spec §4.4.1): the write is
// accepted iff req.ExpectedRev matches the document's current top
// revision (0 for a brand-new document); otherwise it returns ok=false
// with no error, since a conflict is in-band control flow, not a failure.
func (s *Store) Put(req PutRequest) (Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, existingKid, existed, err := s.currentHeader(req.Id)
	if err != nil {
		return Document{}, false, err
	}
	wasDeleted := existed && existing.deleted
	if existed {
		if existing.topRevision() != req.ExpectedRev {
			return Document{}, false, nil
		}
	} else if req.ExpectedRev != 0 {
		return Document{}, false, nil
	}

	newRev := stableHash(req.Content)
	now := s.opts.TimestampFn()

	b := s.eng.NewBatch()
	seqNew, err := s.inc.Put(b, incrementalPayload{Id: req.Id, Timestamp: now, Content: req.Content})
	if err != nil {
		return Document{}, false, fmt.Errorf("docstore: put(%q): %w", req.Id, err)
	}

	newRevisions := capRevisions(append([]uint64{newRev}, existing.revisions...), s.opts.RevHistoryLength)
	newHeader := header{seq: seqNew, deleted: req.Deleted, revisions: newRevisions}

	targetKid := s.liveKid
	if req.Deleted {
		targetKid = s.graveyardKid
	}
	b.Set(headerKey(targetKid, req.Id), encodeHeader(newHeader))

	if s.graveyardOn && existed && wasDeleted != req.Deleted {
		b.Delete(headerKey(existingKid, req.Id))
	}

	if existed && existing.seq != 0 {
		s.inc.Erase(b, existing.seq)
	}

	if err := s.eng.Write(b, s.opts.Sync); err != nil {
		return Document{}, false, fmt.Errorf("docstore: put(%q): commit: %w", req.Id, err)
	}

	return Document{
		Id:        req.Id,
		Content:   req.Content,
		Timestamp: now,
		Revisions: newRevisions,
		Deleted:   req.Deleted,
		Seq:       seqNew,
	}, true, nil
}

// ReplicatePut accepts a foreign revision chain (spec §4.4.2). If the
// local top revision isn't found anywhere in the incoming chain, it's a
// conflict (ok=false). If it's found at index 0, the store is already
// current (ok=true, no-op). Otherwise the incoming chain replaces the
// local one wholesale.
func (s *Store) ReplicatePut(doc ReplicatedDocument) (Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, existingKid, existed, err := s.currentHeader(doc.Id)
	if err != nil {
		return Document{}, false, err
	}
	wasDeleted := existed && existing.deleted

	if existed {
		idx := -1
		for i, r := range doc.Revisions {
			if r == existing.topRevision() {
				idx = i
				break
			}
		}
		if idx < 0 {
			return Document{}, false, nil
		}
		if idx == 0 {
			return Document{
				Id:        doc.Id,
				Content:   doc.Content,
				Timestamp: doc.Timestamp,
				Revisions: existing.revisions,
				Deleted:   existing.deleted,
				Seq:       existing.seq,
			}, true, nil
		}
	}

	now := doc.Timestamp
	if now == 0 {
		now = s.opts.TimestampFn()
	}

	b := s.eng.NewBatch()
	seqNew, err := s.inc.Put(b, incrementalPayload{Id: doc.Id, Timestamp: now, Content: doc.Content})
	if err != nil {
		return Document{}, false, fmt.Errorf("docstore: replicate_put(%q): %w", doc.Id, err)
	}

	newRevisions := capRevisions(append([]uint64(nil), doc.Revisions...), s.opts.RevHistoryLength)
	newHeader := header{seq: seqNew, deleted: doc.Deleted, revisions: newRevisions}

	targetKid := s.liveKid
	if doc.Deleted {
		targetKid = s.graveyardKid
	}
	b.Set(headerKey(targetKid, doc.Id), encodeHeader(newHeader))

	if s.graveyardOn && existed && wasDeleted != doc.Deleted {
		b.Delete(headerKey(existingKid, doc.Id))
	}

	if existed && existing.seq != 0 {
		s.inc.Erase(b, existing.seq)
	}

	if err := s.eng.Write(b, s.opts.Sync); err != nil {
		return Document{}, false, fmt.Errorf("docstore: replicate_put(%q): commit: %w", doc.Id, err)
	}

	return Document{
		Id:        doc.Id,
		Content:   doc.Content,
		Timestamp: now,
		Revisions: newRevisions,
		Deleted:   doc.Deleted,
		Seq:       seqNew,
	}, true, nil
}

// Erase logically deletes id, leaving a tombstone (spec §4.4.3).
func (s *Store) Erase(id string, expectedRev uint64) (Document, bool, error) {
	return s.Put(PutRequest{Id: id, Content: nil, ExpectedRev: expectedRev, Deleted: true})
}

// Purge physically removes id's header and incremental payload with no
// tombstone; it cannot be replicated. If expectedRev is non-zero it must
// match the document's current top revision.
func (s *Store) Purge(id string, expectedRev uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, kid, ok, err := s.currentHeader(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if expectedRev != 0 && h.topRevision() != expectedRev {
		return fmt.Errorf("docstore: purge(%q): %w", id, ErrPurgeRevisionMismatch)
	}

	b := s.eng.NewBatch()
	b.Delete(headerKey(kid, id))
	if h.seq != 0 {
		s.inc.Erase(b, h.seq)
	}
	if err := s.eng.Write(b, s.opts.Sync); err != nil {
		return fmt.Errorf("docstore: purge(%q): commit: %w", id, err)
	}
	return nil
}

// Get returns id's current live document. Tombstones and missing ids both
// report ok=false with no error — a miss is not a failure.
func (s *Store) Get(id string) (Document, bool, error) {
	h, ok, err := s.readHeader(s.liveKid, id)
	if err != nil {
		return Document{}, false, err
	}
	if !ok || h.deleted {
		return Document{}, false, nil
	}
	return s.loadDocument(id, h)
}

// ReplicateGet returns id's current document including tombstones, for
// feeding a replication target the full chain and deleted flag.
func (s *Store) ReplicateGet(id string) (Document, bool, error) {
	h, _, ok, err := s.currentHeader(id)
	if err != nil || !ok {
		return Document{}, ok, err
	}
	return s.loadDocument(id, h)
}

func (s *Store) loadDocument(id string, h header) (Document, bool, error) {
	doc := Document{Id: id, Revisions: h.revisions, Deleted: h.deleted, Seq: h.seq}
	if h.deleted {
		return doc, true, nil
	}
	payload, ok, err := s.inc.Get(h.seq)
	if err != nil {
		return Document{}, false, fmt.Errorf("docstore: get(%q): load payload: %w", id, err)
	}
	if !ok {
		return doc, true, nil
	}
	var p incrementalPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Document{}, false, fmt.Errorf("docstore: get(%q): decode payload: %w", id, err)
	}
	doc.Content = p.Content
	doc.Timestamp = p.Timestamp
	return doc, true, nil
}
