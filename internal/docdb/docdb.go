// Package docdb is the top-level facade: it opens one on-disk engine and
// one document store, and hands out named derived components (views, maps,
// filters, aggregators, attachment stores) bound to that same engine.
// Mirrors the teacher's internal/repo/repo.go pattern of one struct
// aggregating many named sub-components behind a single constructor.
package docdb

import (
	"fmt"

	"github.com/docdbgo/docdb/internal/aggregator"
	"github.com/docdbgo/docdb/internal/attachment"
	"github.com/docdbgo/docdb/internal/docstore"
	"github.com/docdbgo/docdb/internal/jsonmap"
	"github.com/docdbgo/docdb/internal/keyspace"
	"github.com/docdbgo/docdb/internal/kvengine"
	"github.com/docdbgo/docdb/internal/view"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options configures Open.
type Options struct {
	Engine kvengine.Options
	Docs   docstore.Options
	Logger *zap.Logger
}

// DB wires one kvengine.Engine, its keyspace.Manager and the primary
// docstore.Store the rest of an application's views and stores are built
// against.
type DB struct {
	log      *zap.Logger
	Engine   kvengine.Engine
	Keyspace *keyspace.Manager
	Docs     *docstore.Store
}

// Open opens (or creates) the on-disk store at path and the primary
// document store named "docs".
func Open(path string, opts Options) (*DB, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	eng, err := kvengine.Open(path, opts.Engine)
	if err != nil {
		return nil, fmt.Errorf("docdb: open %q: %w", path, err)
	}

	ks := keyspace.Open(eng)
	docs, err := docstore.Open(ks, eng, "docs", opts.Docs)
	if err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("docdb: open %q: docstore: %w", path, err)
	}

	log.Info("docdb opened", zap.String("path", path))
	return &DB{log: log, Engine: eng, Keyspace: ks, Docs: docs}, nil
}

// View opens or resumes a named secondary index over db.Docs.
func (db *DB) View(name string, indexFn view.IndexFunc, opts view.Options) (*view.View, error) {
	return view.Open(db.Keyspace, db.Engine, db.Docs, name, indexFn, opts)
}

// JsonMap opens or resumes a named unique-key index over db.Docs.
func (db *DB) JsonMap(name string, mapFn jsonmap.MapFunc, opts jsonmap.Options) (*jsonmap.Map, error) {
	return jsonmap.Open(db.Keyspace, db.Engine, db.Docs, name, mapFn, opts)
}

// FilterView opens or resumes a named document-id-keyed index over db.Docs.
func (db *DB) FilterView(name string, filterFn jsonmap.FilterFunc, opts jsonmap.Options) (*jsonmap.Filter, error) {
	return jsonmap.OpenFilter(db.Keyspace, db.Engine, db.Docs, name, filterFn, opts)
}

// Aggregator opens or resumes a named materialized aggregate over src,
// which is typically a *view.View, *jsonmap.Map or *jsonmap.Filter already
// opened against db.
func (db *DB) Aggregator(name string, src aggregator.Source, opts aggregator.Options) (*aggregator.Aggregator, error) {
	return aggregator.Open(db.Keyspace, db.Engine, src, name, opts)
}

// Attachments opens or resumes a named segmented blob store bound to db's
// engine. revision invalidates and truncates the store when changed.
func (db *DB) Attachments(name string, revision int, opts attachment.Options) (*attachment.Store, error) {
	return attachment.Open(db.Keyspace, db.Engine, name, revision, opts)
}

// Updatable is satisfied by view.View, jsonmap.Map and jsonmap.Filter: any
// component whose catch-up is driven by an explicit Update call rather than
// aggregator's reactive Observe subscription.
type Updatable interface {
	Update() error
}

// CatchUpAll runs Update on every given view concurrently and returns the
// first error encountered once all of them have finished; a failing Update
// does not cancel the others — used when an
// application fans a single document write out to many independent views
// and wants them all current before answering a request.
func CatchUpAll(views ...Updatable) error {
	var g errgroup.Group
	for _, v := range views {
		v := v
		g.Go(v.Update)
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("docdb: catch up: %w", err)
	}
	return nil
}

// Close releases db.Docs and the underlying engine. Derived components
// (views, maps, aggregators, attachment stores) must be closed by their
// owner before calling Close, since each holds its own keyspace lock.
func (db *DB) Close() error {
	db.Docs.Close()
	if err := db.Engine.Close(); err != nil {
		return fmt.Errorf("docdb: close: %w", err)
	}
	return nil
}
