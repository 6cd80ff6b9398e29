package jsonmap

import (
	"bytes"
	"fmt"

	"github.com/docdbgo/docdb/internal/keycodec"
	"github.com/docdbgo/docdb/internal/kvengine"
	"github.com/docdbgo/docdb/internal/viewcore"
)

type mapRowIterator struct {
	it     kvengine.Iterator
	filter func(viewcore.Row) bool
}

func decodeMapRow(key, value []byte) (viewcore.Row, error) {
	if len(key) < 2 {
		return viewcore.Row{}, fmt.Errorf("jsonmap: row key too short")
	}
	k, _, err := keycodec.Decode(key[2:])
	if err != nil {
		return viewcore.Row{}, fmt.Errorf("jsonmap: decode row key: %w", err)
	}
	return viewcore.Row{Key: k, Value: value}, nil
}

func (r *mapRowIterator) Next() (viewcore.Row, bool, error) {
	for r.it.Valid() {
		row, err := decodeMapRow(r.it.Key(), r.it.Value())
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

func (r *mapRowIterator) Close() error { return r.it.Close() }

// Find iterates rows under the given key's encoding, the same prefix scan
// as Prefix. Map keys are unique, so a scalar key matches at most one row;
// an array key also matches longer array keys with the same leading
// elements. The shared Queryable surface returns an iterator either way.
func (m *Map) Find(key any, opts viewcore.FindOptions) viewcore.RowIterator {
	return m.findOrPrefix(key, opts)
}

// Prefix iterates rows whose encoded key has key's encoding as a prefix.
func (m *Map) Prefix(key any, opts viewcore.FindOptions) viewcore.RowIterator {
	return m.findOrPrefix(key, opts)
}

func (m *Map) findOrPrefix(key any, opts viewcore.FindOptions) viewcore.RowIterator {
	kid := m.core.Kid
	encKey := keycodec.Encode(nil, key)
	prefix := mapRowKey(kid, encKey)
	upper := viewcore.PrefixUpperBound(prefix)

	var rng kvengine.Range
	if !opts.Backward {
		rng = kvengine.Range{From: prefix, To: upper}
	} else {
		rng = kvengine.Range{From: upper, To: prefix}
	}
	return &mapRowIterator{it: m.core.Eng.NewIterator(rng), filter: opts.Filter}
}

// Range iterates rows between fromKey and toKey.
func (m *Map) Range(fromKey, toKey any, opts viewcore.RangeOptions) viewcore.RowIterator {
	kid := m.core.Kid
	encA := keycodec.Encode(nil, fromKey)
	encB := keycodec.Encode(nil, toKey)

	lowEnc, highEnc := encA, encB
	backward := bytes.Compare(encA, encB) > 0
	if backward {
		lowEnc, highEnc = encB, encA
	}

	low := mapRowKey(kid, lowEnc)
	high := mapRowKey(kid, highEnc)
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
	return &mapRowIterator{it: m.core.Eng.NewIterator(rng), filter: opts.Filter}
}

// Scan enumerates the whole keyspace.
func (m *Map) Scan(opts viewcore.ScanOptions) viewcore.RowIterator {
	kid := m.core.Kid
	from, to := []byte{kid, mapRowSub}, []byte{kid, mapRowSub + 1}

	var start []byte
	if opts.HasFrom {
		start = mapRowKey(kid, keycodec.Encode(nil, opts.FromKey))
	}

	var rng kvengine.Range
	if !opts.Backward {
		f := from
		if start != nil {
			f = start
		}
		rng = kvengine.Range{From: f, To: to}
	} else {
		f := to
		if start != nil {
			f = start
		}
		rng = kvengine.Range{From: f, To: from}
	}
	return &mapRowIterator{it: m.core.Eng.NewIterator(rng), filter: opts.Filter}
}

// Lookup returns the value stored at key, or ok=false.
func (m *Map) Lookup(key any) (viewcore.Row, bool, error) {
	it := m.Find(key, viewcore.FindOptions{})
	defer it.Close()
	return it.Next()
}
