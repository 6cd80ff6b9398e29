package docdb_test

import (
	"encoding/json"
	"testing"

	"github.com/docdbgo/docdb/internal/docdb"
	"github.com/docdbgo/docdb/internal/docstore"
	"github.com/docdbgo/docdb/internal/jsonmap"
	"github.com/docdbgo/docdb/internal/kvengine"
	"github.com/docdbgo/docdb/internal/view"
)

type widget struct {
	Tag string `json:"tag"`
}

func TestOpenWiresViewsAndCatchesUp(t *testing.T) {
	db, err := docdb.Open(t.TempDir(), docdb.Options{Engine: kvengine.DefaultOptions()})
	if err != nil {
		t.Fatalf("docdb.Open: %v", err)
	}
	defer db.Close()

	byTag, err := db.View("by-tag", func(doc docstore.Document, emit view.Emit) {
		var w widget
		if json.Unmarshal(doc.Content, &w) != nil {
			return
		}
		emit(w.Tag, doc.Content)
	}, view.Options{})
	if err != nil {
		t.Fatalf("db.View: %v", err)
	}

	tags, err := db.FilterView("has-tag", func(doc docstore.Document) (json.RawMessage, bool) {
		var w widget
		if json.Unmarshal(doc.Content, &w) != nil || w.Tag == "" {
			return nil, false
		}
		return doc.Content, true
	}, jsonmap.Options{})
	if err != nil {
		t.Fatalf("db.FilterView: %v", err)
	}

	body, _ := json.Marshal(widget{Tag: "red"})
	if _, ok, err := db.Docs.Put(docstore.PutRequest{Id: "w1", Content: body}); err != nil || !ok {
		t.Fatalf("put: ok=%v err=%v", ok, err)
	}

	if err := docdb.CatchUpAll(byTag, tags); err != nil {
		t.Fatalf("CatchUpAll: %v", err)
	}

	row, ok, err := byTag.Lookup("red")
	if err != nil || !ok {
		t.Fatalf("byTag.Lookup(red): ok=%v err=%v", ok, err)
	}
	if string(row.Value) != string(body) {
		t.Fatalf("byTag.Lookup(red) value = %s, want %s", row.Value, body)
	}

	if _, ok, err := tags.Lookup("w1"); err != nil || !ok {
		t.Fatalf("tags.Lookup(w1): ok=%v err=%v", ok, err)
	}
}
