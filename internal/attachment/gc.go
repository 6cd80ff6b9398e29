package attachment

import (
	"encoding/json"
	"fmt"

	"github.com/docdbgo/docdb/internal/docstore"
	"github.com/docdbgo/docdb/internal/keycodec"
	"github.com/docdbgo/docdb/internal/kvengine"
)

// KeepFunc reports, for one current document, which attachment ids it
// still references; GC deletes any metadata row under that document's
// prefix whose attId keep doesn't name.
type KeepFunc func(doc docstore.Document, keep func(attID string))

// GC replays src's change feed since the store's last scan, and for every
// document it touches, deletes any attachment metadata (and its segments)
// the document no longer keeps (spec §4.9.2). Like view/jsonmap catch-up,
// this only revisits documents that changed since the last GC sweep — a
// document that never changes again after acquiring a stray attachment
// keeps it, a known limitation shared with the document-purge staleness
// note in spec §3's Lifecycle section.
func (s *Store) GC(src *docstore.Store, keep KeepFunc) error {
	s.mu.Lock()
	fromSeq := s.counter.LastScannedSeq
	s.mu.Unlock()

	it := src.ScanChanges(fromSeq)
	defer it.Close()

	seq := fromSeq
	touched := 0
	for {
		doc, ok, err := it.Next()
		if err != nil {
			return fmt.Errorf("attachment: gc: scan changes: %w", err)
		}
		if !ok {
			break
		}
		seq = doc.Seq

		kept := map[string]struct{}{}
		if !doc.Deleted && keep != nil {
			keep(doc, func(attID string) { kept[attID] = struct{}{} })
		}

		if err := s.sweepDoc(doc.Id, kept); err != nil {
			return fmt.Errorf("attachment: gc: sweep %q: %w", doc.Id, err)
		}
		touched++
	}

	if touched == 0 {
		return nil
	}
	s.mu.Lock()
	s.counter.LastScannedSeq = seq
	s.mu.Unlock()
	return s.persistCounter()
}

// sweepDoc deletes every metadata row (and its segments) under docID's
// prefix whose attId isn't in kept.
func (s *Store) sweepDoc(docID string, kept map[string]struct{}) error {
	prefix := metaPrefixForDoc(s.kid, docID)
	upper := prefixUpperBound(prefix)

	it := s.eng.NewIterator(kvengine.Range{From: prefix, To: upper})
	defer it.Close()

	var toDelete [][]byte
	var segsToDelete []uint64
	for it.Valid() {
		key, value := it.Key(), it.Value()
		attID, err := decodeAttID(key, prefix)
		if err != nil {
			it.Next()
			continue
		}
		if _, ok := kept[attID]; ok {
			it.Next()
			continue
		}
		var m Metadata
		if err := json.Unmarshal(value, &m); err == nil {
			segsToDelete = append(segsToDelete, m.SegIDs...)
		}
		toDelete = append(toDelete, append([]byte(nil), key...))
		it.Next()
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("scan metadata: %w", err)
	}
	if len(toDelete) == 0 {
		return nil
	}

	b := s.eng.NewBatch()
	for _, k := range toDelete {
		b.Delete(k)
	}
	for _, segID := range segsToDelete {
		b.Delete(segKey(s.kid, segID))
	}
	if err := s.eng.Write(b, false); err != nil {
		return fmt.Errorf("commit sweep: %w", err)
	}
	return nil
}

func decodeAttID(key, prefix []byte) (string, error) {
	if len(key) <= len(prefix) {
		return "", fmt.Errorf("attachment: gc: key shorter than prefix")
	}
	v, _, err := keycodec.Decode(key[len(prefix):])
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
