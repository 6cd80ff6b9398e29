package viewcore

import "encoding/json"

// Row is one query result: Key is the decoded user key, DocID is the
// owning document's id (empty for jsonmap.Map, whose keys aren't tied to a
// document), and Value is the raw stored payload.
type Row struct {
	Key   any
	DocID string
	Value json.RawMessage
}

// RowIterator is the common cursor returned by every Queryable operation.
type RowIterator interface {
	Next() (Row, bool, error)
	Close() error
}

// FindOptions configures Find and Prefix.
type FindOptions struct {
	Backward  bool
	FromDocID string // exclusive resume cursor
	Filter    func(Row) bool
}

// RangeOptions configures Range.
type RangeOptions struct {
	IncludeUpper bool
	Filter       func(Row) bool
}

// ScanOptions configures a whole-keyspace Scan.
type ScanOptions struct {
	Backward  bool
	FromKey   any
	HasFrom   bool
	FromDocID string
	Filter    func(Row) bool
}

// Queryable is the capability set every derived index exposes (§4.5.3,
// §9's "polymorphic views over a common query surface"): View,
// jsonmap.Map and jsonmap.Filter all implement it.
type Queryable interface {
	Find(key any, opts FindOptions) RowIterator
	Range(fromKey, toKey any, opts RangeOptions) RowIterator
	Prefix(key any, opts FindOptions) RowIterator
	Scan(opts ScanOptions) RowIterator
	Lookup(key any) (Row, bool, error)
}
