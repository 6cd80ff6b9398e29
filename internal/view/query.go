package view

import (
	"bytes"
	"fmt"

	"github.com/docdbgo/docdb/internal/keycodec"
	"github.com/docdbgo/docdb/internal/kvengine"
	"github.com/docdbgo/docdb/internal/viewcore"
)

// rowIterator walks forward rows and decodes them into viewcore.Row,
// applying an optional post-step filter (§4.5.3's "all iterators
// optionally apply a user-supplied filter predicate").
type rowIterator struct {
	it     kvengine.Iterator
	filter func(viewcore.Row) bool
}

func decodeForwardRow(key, value []byte) (viewcore.Row, error) {
	if len(key) < 2 {
		return viewcore.Row{}, fmt.Errorf("view: row key too short")
	}
	body := key[2:]
	k, n, err := keycodec.Decode(body)
	if err != nil {
		return viewcore.Row{}, fmt.Errorf("view: decode row key: %w", err)
	}
	docEnc := body[n:]
	if arr, ok := k.([]any); ok && len(docEnc) == 0 && len(arr) > 1 {
		// An array key runs to the end of the row, so Decode read the
		// trailing docId as the array's last element.
		id, _ := arr[len(arr)-1].(string)
		return viewcore.Row{Key: arr[:len(arr)-1], DocID: id, Value: value}, nil
	}
	docID, _, err := keycodec.Decode(docEnc)
	if err != nil {
		return viewcore.Row{}, fmt.Errorf("view: decode row docId: %w", err)
	}
	id, _ := docID.(string)
	return viewcore.Row{Key: k, DocID: id, Value: value}, nil
}

func (r *rowIterator) Next() (viewcore.Row, bool, error) {
	for r.it.Valid() {
		row, err := decodeForwardRow(r.it.Key(), r.it.Value())
		r.it.Next()
		if err != nil {
			return viewcore.Row{}, false, err
		}
		if r.filter != nil && !r.filter(row) {
			continue
		}
		return row, true, nil
	}
	return viewcore.Row{}, false, r.it.Err()
}

func (r *rowIterator) Close() error { return r.it.Close() }

// Find iterates rows under the given key's encoding (§4.5.3). It runs the
// same prefix scan as Prefix: a scalar key yields exactly that key's rows,
// while an array key also yields rows whose key is a longer array with the
// same leading elements.
func (v *View) Find(key any, opts viewcore.FindOptions) viewcore.RowIterator {
	return v.findOrPrefix(key, opts)
}

// Prefix iterates rows whose encoded key has the given key's encoding as a
// prefix; it is the same scan as Find. For array keys that includes longer
// arrays sharing the same leading elements, since the codec leaves array
// encodings open-ended (§4.1, §4.5.3).
func (v *View) Prefix(key any, opts viewcore.FindOptions) viewcore.RowIterator {
	return v.findOrPrefix(key, opts)
}

func (v *View) findOrPrefix(key any, opts viewcore.FindOptions) viewcore.RowIterator {
	kid := v.core.Kid
	encKey := keycodec.Encode(nil, key)
	prefix := keycodec.CompositeKey([]byte{kid, rowSub}, encKey)
	upper := viewcore.PrefixUpperBound(prefix)

	var rng kvengine.Range
	if !opts.Backward {
		from, excludeBegin := prefix, false
		if opts.FromDocID != "" {
			from = forwardRowKey(kid, encKey, keycodec.Encode(nil, opts.FromDocID))
			excludeBegin = true
		}
		rng = kvengine.Range{From: from, To: upper, ExcludeBegin: excludeBegin}
	} else {
		from, excludeBegin := upper, false
		if opts.FromDocID != "" {
			from = forwardRowKey(kid, encKey, keycodec.Encode(nil, opts.FromDocID))
			excludeBegin = true
		}
		rng = kvengine.Range{From: from, To: prefix, ExcludeBegin: excludeBegin}
	}
	return &rowIterator{it: v.core.Eng.NewIterator(rng), filter: opts.Filter}
}

// Range iterates rows between fromKey and toKey (§4.5.3): direction is
// determined by which bound is lexicographically greater, and includeUpper
// governs whether the greater endpoint's rows are included.
func (v *View) Range(fromKey, toKey any, opts viewcore.RangeOptions) viewcore.RowIterator {
	kid := v.core.Kid
	encA := keycodec.Encode(nil, fromKey)
	encB := keycodec.Encode(nil, toKey)

	lowEnc, highEnc := encA, encB
	backward := bytes.Compare(encA, encB) > 0
	if backward {
		lowEnc, highEnc = encB, encA
	}

	low := keycodec.CompositeKey([]byte{kid, rowSub}, lowEnc)
	high := keycodec.CompositeKey([]byte{kid, rowSub}, highEnc)
	highBound := high
	if opts.IncludeUpper {
		highBound = viewcore.PrefixUpperBound(high)
	}

	var rng kvengine.Range
	if !backward {
		rng = kvengine.Range{From: low, To: highBound}
	} else {
		rng = kvengine.Range{From: highBound, To: low}
	}
	return &rowIterator{it: v.core.Eng.NewIterator(rng), filter: opts.Filter}
}

// Scan enumerates the whole keyspace (§4.5.3).
func (v *View) Scan(opts viewcore.ScanOptions) viewcore.RowIterator {
	kid := v.core.Kid
	from, to := []byte{kid, rowSub}, []byte{kid, rowSub + 1}

	var fromKeyEnc []byte
	if opts.HasFrom {
		fromKeyEnc = keycodec.Encode(nil, opts.FromKey)
	}

	var rng kvengine.Range
	if !opts.Backward {
		start := from
		if fromKeyEnc != nil {
			start = keycodec.CompositeKey([]byte{kid, rowSub}, fromKeyEnc)
			if opts.FromDocID != "" {
				start = forwardRowKey(kid, fromKeyEnc, keycodec.Encode(nil, opts.FromDocID))
			}
		}
		rng = kvengine.Range{From: start, To: to, ExcludeBegin: opts.FromDocID != ""}
	} else {
		start := to
		if fromKeyEnc != nil {
			start = keycodec.CompositeKey([]byte{kid, rowSub}, fromKeyEnc)
			if opts.FromDocID != "" {
				start = forwardRowKey(kid, fromKeyEnc, keycodec.Encode(nil, opts.FromDocID))
			}
		}
		rng = kvengine.Range{From: start, To: from, ExcludeBegin: opts.FromDocID != ""}
	}
	return &rowIterator{it: v.core.Eng.NewIterator(rng), filter: opts.Filter}
}

// Lookup returns the value of an arbitrary row matching key, or ok=false.
func (v *View) Lookup(key any) (viewcore.Row, bool, error) {
	it := v.Find(key, viewcore.FindOptions{})
	defer it.Close()
	return it.Next()
}
