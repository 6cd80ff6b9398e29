package jsonmap

import (
	"encoding/json"
	"fmt"

	"github.com/docdbgo/docdb/internal/docstore"
	"github.com/docdbgo/docdb/internal/keycodec"
	"github.com/docdbgo/docdb/internal/keyspace"
	"github.com/docdbgo/docdb/internal/kvengine"
	"github.com/docdbgo/docdb/internal/viewcore"
)

const (
	classFilter byte = 14

	filterRowSub byte = 0x01
)

// FilterFunc derives at most one value for a document, keyed by the
// document's own id. ok=false removes any previously stored row (spec
// §4.6: "FilterView uses <kid><docId> -> encValue").
type FilterFunc func(doc docstore.Document) (value json.RawMessage, ok bool)

// Filter is an updatable single-row-per-document index: unlike Map, rows
// are keyed by document id rather than an arbitrary user key, so no
// reverse row is needed — the document id is its own stable key.
type Filter struct {
	core     *viewcore.Core
	filterFn FilterFunc
}

var _ viewcore.Queryable = (*Filter)(nil)

func filterRowKey(kid byte, encDocID []byte) []byte {
	return keycodec.CompositeKey([]byte{kid, filterRowSub}, encDocID)
}

// OpenFilter builds or resumes a named filter view and catches it up.
func OpenFilter(ks *keyspace.Manager, eng kvengine.Engine, src *docstore.Store, name string, filterFn FilterFunc, opts Options) (*Filter, error) {
	core, err := viewcore.Open(ks, eng, src, classFilter, name, opts.Revision)
	if err != nil {
		return nil, fmt.Errorf("jsonmap: open filter %q: %w", name, err)
	}
	f := &Filter{core: core, filterFn: filterFn}
	if err := f.Update(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Filter) indexDocument(b *kvengine.Batch, doc docstore.Document) error {
	kid := f.core.Kid
	encDocID := keycodec.Encode(nil, doc.Id)
	rowKey := filterRowKey(kid, encDocID)

	_, existed, err := f.core.Eng.Get(rowKey)
	if err != nil {
		return fmt.Errorf("jsonmap: filter: read row: %w", err)
	}

	var wrote bool
	if !doc.Deleted && f.filterFn != nil {
		if value, ok := f.filterFn(doc); ok {
			b.Set(rowKey, value)
			wrote = true
		}
	}
	if !wrote && existed {
		b.Delete(rowKey)
	}

	if wrote || existed {
		f.core.Observers.Broadcast(b, []any{doc.Id})
	}
	return nil
}

// Update pulls every change since the filter's last catch-up point and
// reapplies filterFn.
func (f *Filter) Update() error {
	return f.core.Update(f.indexDocument)
}

// Observe registers fn with the filter's change-key broadcast. The keys
// broadcast are document ids, since that's what a filter row is keyed by.
func (f *Filter) Observe(fn viewcore.ChangeObserver) viewcore.Handle {
	return f.core.Observers.Subscribe(fn)
}

// Unobserve cancels a prior Observe registration.
func (f *Filter) Unobserve(h viewcore.Handle) { f.core.Observers.Unsubscribe(h) }

// GetEngine exposes the backing engine for aggregator.Source.
func (f *Filter) GetEngine() kvengine.Engine { return f.core.Eng }
