package docstore

import (
	"encoding/json"
	"fmt"

	"github.com/docdbgo/docdb/internal/incremental"
	"github.com/docdbgo/docdb/internal/kvengine"
)

// ScanOptions configures Scan/ScanDeleted. FromId, if set, is an
// exclusive cursor. Filter, if set, is applied per row as a post-step.
type ScanOptions struct {
	Backward bool
	FromId   string
	Filter   func(Document) bool
}

func scanRange(kid byte, opts ScanOptions) kvengine.Range {
	var from, to []byte
	if !opts.Backward {
		from, to = []byte{kid}, []byte{kid + 1}
		if opts.FromId != "" {
			from = headerKey(kid, opts.FromId)
		}
	} else {
		from, to = []byte{kid + 1}, []byte{kid}
		if opts.FromId != "" {
			from = headerKey(kid, opts.FromId)
		}
	}
	return kvengine.Range{From: from, To: to, ExcludeBegin: opts.FromId != ""}
}

// DocIterator walks decoded documents from a header-keyspace range scan.
type DocIterator struct {
	store *Store
	it    kvengine.Iterator
	want  func(header) bool
	opts  ScanOptions
}

// Next advances and returns the next document matching the scan's implicit
// live/deleted filter and any caller-supplied Filter, or ok=false at end
// of range.
func (d *DocIterator) Next() (Document, bool, error) {
	for d.it.Valid() {
		k, v := d.it.Key(), d.it.Value()
		d.it.Next()

		h, err := decodeHeader(v)
		if err != nil {
			return Document{}, false, fmt.Errorf("docstore: scan: decode header: %w", err)
		}
		if d.want != nil && !d.want(h) {
			continue
		}
		id, _, err := decodeDocId(k)
		if err != nil {
			return Document{}, false, fmt.Errorf("docstore: scan: decode id: %w", err)
		}
		doc, ok, err := d.store.loadDocument(id, h)
		if err != nil {
			return Document{}, false, err
		}
		if !ok {
			continue
		}
		if d.opts.Filter != nil && !d.opts.Filter(doc) {
			continue
		}
		return doc, true, nil
	}
	return Document{}, false, d.it.Err()
}

// Close releases the iterator's engine cursor.
func (d *DocIterator) Close() error { return d.it.Close() }

func decodeDocId(key []byte) (string, int, error) {
	v, n, err := decodeKeyTail(key)
	if err != nil {
		return "", 0, err
	}
	s, _ := v.(string)
	return s, n, nil
}

// Scan enumerates live documents only: a header whose deleted bit is set
// is skipped even when graveyard is disabled and both classes share a kid.
func (s *Store) Scan(opts ScanOptions) *DocIterator {
	it := s.eng.NewIterator(scanRange(s.liveKid, opts))
	return &DocIterator{store: s, it: it, opts: opts, want: func(h header) bool { return !h.deleted }}
}

// ScanDeleted enumerates tombstones: the graveyard kid wholesale when
// enabled and distinct from the live kid, otherwise the live kid filtered
// to the deleted bit.
func (s *Store) ScanDeleted(opts ScanOptions) *DocIterator {
	if s.graveyardKid != s.liveKid {
		it := s.eng.NewIterator(scanRange(s.graveyardKid, opts))
		return &DocIterator{store: s, it: it, opts: opts}
	}
	it := s.eng.NewIterator(scanRange(s.liveKid, opts))
	return &DocIterator{store: s, it: it, opts: opts, want: func(h header) bool { return h.deleted }}
}

// ChangesIterator walks the incremental change feed, joining each surviving
// record back to its document's current header.
type ChangesIterator struct {
	store *Store
	inc   *incremental.ChangeIterator
}

// ScanChanges iterates the change feed strictly after fromSeq (spec
// §4.4.5): every incremental record surviving at this seq is, by
// invariant 3, the current payload for its document, so each step joins
// back to id's current header for the deleted flag and top revision.
func (s *Store) ScanChanges(fromSeq uint64) *ChangesIterator {
	return &ChangesIterator{store: s, inc: s.inc.ScanFrom(fromSeq)}
}

// Next advances and returns the next changed document, or ok=false at the
// end of the feed.
func (c *ChangesIterator) Next() (Document, bool, error) {
	for {
		rec, ok := c.inc.Next()
		if !ok {
			return Document{}, false, c.inc.Err()
		}
		var p incrementalPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return Document{}, false, fmt.Errorf("docstore: scan changes: decode payload: %w", err)
		}
		h, _, found, err := c.store.currentHeader(p.Id)
		if err != nil {
			return Document{}, false, fmt.Errorf("docstore: scan changes(%q): %w", p.Id, err)
		}
		if !found || h.seq != rec.Seq {
			// Superseded between the incremental write and this scan;
			// the newer change will surface on its own turn.
			continue
		}
		return Document{
			Id:        p.Id,
			Content:   p.Content,
			Timestamp: p.Timestamp,
			Revisions: h.revisions,
			Deleted:   h.deleted,
			Seq:       h.seq,
		}, true, nil
	}
}

// Close releases the iterator's engine cursor.
func (c *ChangesIterator) Close() error { return c.inc.Close() }
