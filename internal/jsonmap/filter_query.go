package jsonmap

import (
	"bytes"
	"fmt"

	"github.com/docdbgo/docdb/internal/keycodec"
	"github.com/docdbgo/docdb/internal/kvengine"
	"github.com/docdbgo/docdb/internal/viewcore"
)

type filterRowIterator struct {
	it     kvengine.Iterator
	filter func(viewcore.Row) bool
}

func decodeFilterRow(key, value []byte) (viewcore.Row, error) {
	if len(key) < 2 {
		return viewcore.Row{}, fmt.Errorf("jsonmap: filter row key too short")
	}
	docID, _, err := keycodec.Decode(key[2:])
	if err != nil {
		return viewcore.Row{}, fmt.Errorf("jsonmap: decode filter row docId: %w", err)
	}
	id, _ := docID.(string)
	return viewcore.Row{Key: docID, DocID: id, Value: value}, nil
}

func (r *filterRowIterator) Next() (viewcore.Row, bool, error) {
	for r.it.Valid() {
		row, err := decodeFilterRow(r.it.Key(), r.it.Value())
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

func (r *filterRowIterator) Close() error { return r.it.Close() }

// Find returns the single row for the document id given as key, if any.
func (f *Filter) Find(key any, opts viewcore.FindOptions) viewcore.RowIterator {
	return f.findOrPrefix(key, opts)
}

// Prefix behaves like Find: filter keys are document ids, which have no
// useful prefix semantics beyond exact match.
func (f *Filter) Prefix(key any, opts viewcore.FindOptions) viewcore.RowIterator {
	return f.findOrPrefix(key, opts)
}

func (f *Filter) findOrPrefix(key any, opts viewcore.FindOptions) viewcore.RowIterator {
	kid := f.core.Kid
	id, _ := key.(string)
	encDocID := keycodec.Encode(nil, id)
	prefix := filterRowKey(kid, encDocID)
	upper := viewcore.PrefixUpperBound(prefix)

	var rng kvengine.Range
	if !opts.Backward {
		rng = kvengine.Range{From: prefix, To: upper}
	} else {
		rng = kvengine.Range{From: upper, To: prefix}
	}
	return &filterRowIterator{it: f.core.Eng.NewIterator(rng), filter: opts.Filter}
}

// Range iterates rows whose document id falls between fromKey and toKey.
func (f *Filter) Range(fromKey, toKey any, opts viewcore.RangeOptions) viewcore.RowIterator {
	kid := f.core.Kid
	aID, _ := fromKey.(string)
	bID, _ := toKey.(string)
	encA := keycodec.Encode(nil, aID)
	encB := keycodec.Encode(nil, bID)

	lowEnc, highEnc := encA, encB
	backward := bytes.Compare(encA, encB) > 0
	if backward {
		lowEnc, highEnc = encB, encA
	}

	low := filterRowKey(kid, lowEnc)
	high := filterRowKey(kid, highEnc)
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
	return &filterRowIterator{it: f.core.Eng.NewIterator(rng), filter: opts.Filter}
}

// Scan enumerates every row in document-id order.
func (f *Filter) Scan(opts viewcore.ScanOptions) viewcore.RowIterator {
	kid := f.core.Kid
	from, to := []byte{kid, filterRowSub}, []byte{kid, filterRowSub + 1}

	var start []byte
	if opts.HasFrom {
		id, _ := opts.FromKey.(string)
		start = filterRowKey(kid, keycodec.Encode(nil, id))
	}

	var rng kvengine.Range
	if !opts.Backward {
		f2 := from
		if start != nil {
			f2 = start
		}
		rng = kvengine.Range{From: f2, To: to}
	} else {
		f2 := to
		if start != nil {
			f2 = start
		}
		rng = kvengine.Range{From: f2, To: from}
	}
	return &filterRowIterator{it: f.core.Eng.NewIterator(rng), filter: opts.Filter}
}

// Lookup returns the row stored for docID (key), or ok=false.
func (f *Filter) Lookup(key any) (viewcore.Row, bool, error) {
	it := f.Find(key, viewcore.FindOptions{})
	defer it.Close()
	return it.Next()
}
