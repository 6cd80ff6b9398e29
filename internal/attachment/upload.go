package attachment

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash"
)

// Upload drives the §4.9.1 state machine: idle -> open -> writing* ->
// close -> commit|rollback. Mirrors Go's database/sql.Tx Commit/Rollback
// discipline rather than a C++ destructor: callers must call exactly one
// of Commit or Rollback once Close succeeds. Only Commit adds segments to
// the pending list; an upload that is closed but neither committed nor
// rolled back leaves its metadata row and segments in place.
type Upload struct {
	store       *Store
	docID       string
	attID       string
	contentType string

	buf    []byte
	segIDs []uint64
	hash   hash.Hash

	state uploadState
}

type uploadState int

const (
	stateWriting uploadState = iota
	stateClosed
	stateDone
)

// Open begins a new upload for (docID, attID). Only one Upload per
// (docID, attID) should be in flight at a time; the caller serializes that.
func (s *Store) Open(docID, attID, contentType string) *Upload {
	s.incInFlight()
	return &Upload{
		store:       s,
		docID:       docID,
		attID:       attID,
		contentType: contentType,
		hash:        md5.New(),
	}
}

// Write buffers p and flushes complete segments as the buffer crosses
// MinSegment, capping any one segment at MaxSegment (spec §4.9.1).
func (u *Upload) Write(p []byte) (int, error) {
	if u.state != stateWriting {
		return 0, fmt.Errorf("attachment: write after close")
	}
	n := len(p)
	u.buf = append(u.buf, p...)
	for len(u.buf) >= u.store.opts.MinSegment {
		cut := len(u.buf)
		if cut > u.store.opts.MaxSegment {
			cut = u.store.opts.MaxSegment
		}
		if err := u.flush(u.buf[:cut]); err != nil {
			return 0, err
		}
		u.buf = append([]byte(nil), u.buf[cut:]...)
	}
	return n, nil
}

func (u *Upload) flush(chunk []byte) error {
	segID := u.store.nextSegID()
	b := u.store.eng.NewBatch()
	b.Set(segKey(u.store.kid, segID), chunk)
	if err := u.store.eng.Write(b, false); err != nil {
		return fmt.Errorf("attachment: write segment %d: %w", segID, err)
	}
	u.segIDs = append(u.segIDs, segID)
	u.hash.Write(chunk)
	return nil
}

// Close flushes any buffered tail (splitting it into further segments if
// it still exceeds MaxSegment), computes the final MD5, deletes the
// previous attachment's segments (if any) in the same batch as the new
// metadata row, and writes the new metadata. The upload is not yet
// durable against a crash until Commit.
func (u *Upload) Close() (Metadata, error) {
	if u.state != stateWriting {
		return Metadata{}, fmt.Errorf("attachment: close: not writing")
	}
	for len(u.buf) > 0 {
		n := len(u.buf)
		if n > u.store.opts.MaxSegment {
			n = u.store.opts.MaxSegment
		}
		if err := u.flush(u.buf[:n]); err != nil {
			return Metadata{}, err
		}
		u.buf = u.buf[n:]
	}

	hashB64 := base64.URLEncoding.EncodeToString(u.hash.Sum(nil))
	m := Metadata{ContentType: u.contentType, HashB64URL: hashB64, SegIDs: append([]uint64(nil), u.segIDs...)}
	data, err := json.Marshal(m)
	if err != nil {
		return Metadata{}, fmt.Errorf("attachment: close: encode metadata: %w", err)
	}

	b := u.store.eng.NewBatch()
	if raw, ok, err := u.store.eng.Get(metaKey(u.store.kid, u.docID, u.attID)); err != nil {
		return Metadata{}, fmt.Errorf("attachment: close: read previous metadata: %w", err)
	} else if ok {
		var prev Metadata
		if err := json.Unmarshal(raw, &prev); err == nil {
			for _, segID := range prev.SegIDs {
				b.Delete(segKey(u.store.kid, segID))
			}
		}
	}
	b.Set(metaKey(u.store.kid, u.docID, u.attID), data)
	if err := u.store.eng.Write(b, false); err != nil {
		return Metadata{}, fmt.Errorf("attachment: close: commit metadata: %w", err)
	}

	u.state = stateClosed
	return m, nil
}

// Commit appends the upload's segment ids to the on-disk pending list
// (durable record of "these segments are now referenced, safe to keep
// across a crash") and decrements the in-flight ref count; if this was
// the last in-flight upload, the caller is expected to follow up with GC.
func (u *Upload) Commit() error {
	if u.state != stateClosed {
		return fmt.Errorf("attachment: commit: not closed")
	}
	s := u.store

	s.mu.Lock()
	raw, ok, err := s.eng.Get(pendingKey(s.kid))
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("attachment: commit: read pending list: %w", err)
	}
	var pending []uint64
	if ok {
		if err := json.Unmarshal(raw, &pending); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("attachment: commit: decode pending list: %w", err)
		}
	}
	pending = append(pending, u.segIDs...)
	data, err := json.Marshal(pending)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("attachment: commit: encode pending list: %w", err)
	}

	b := s.eng.NewBatch()
	b.Set(pendingKey(s.kid), data)
	if err := s.eng.Write(b, true); err != nil {
		return fmt.Errorf("attachment: commit: write pending list: %w", err)
	}

	u.state = stateDone
	s.decInFlight()
	return nil
}

// Rollback deletes every segment this upload wrote. Call it instead of
// Commit to abandon an upload, whether or not Close was called.
func (u *Upload) Rollback() error {
	if u.state == stateDone {
		return fmt.Errorf("attachment: rollback: already committed")
	}
	s := u.store
	b := s.eng.NewBatch()
	for _, segID := range u.segIDs {
		b.Delete(segKey(s.kid, segID))
	}
	b.Delete(metaKey(s.kid, u.docID, u.attID))
	if err := s.eng.Write(b, false); err != nil {
		return fmt.Errorf("attachment: rollback: %w", err)
	}
	u.state = stateDone
	s.decInFlight()
	return nil
}

// s.counter.NextSegID is persisted lazily; callers that need durability
// of the counter itself across process restarts beyond what segment keys
// already encode can call Store.PersistCounter after a batch of uploads.
func (s *Store) PersistCounter() error { return s.persistCounter() }
