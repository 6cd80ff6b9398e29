package inspector_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/docdbgo/docdb/internal/docstore"
	"github.com/docdbgo/docdb/internal/inspector"
	"github.com/docdbgo/docdb/internal/keyspace"
	"github.com/docdbgo/docdb/internal/kvengine/memengine"
	"github.com/docdbgo/docdb/internal/view"
	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T) (*gin.Engine, *docstore.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	eng := memengine.New()
	ks := keyspace.Open(eng)
	docs, err := docstore.Open(ks, eng, "docs", docstore.Options{})
	if err != nil {
		t.Fatalf("docstore.Open: %v", err)
	}
	t.Cleanup(docs.Close)

	v, err := view.Open(ks, eng, docs, "by-tag", func(doc docstore.Document, emit view.Emit) {
		emit("tag", doc.Content)
	}, view.Options{})
	if err != nil {
		t.Fatalf("view.Open: %v", err)
	}

	if _, ok, err := docs.Put(docstore.PutRequest{Id: "w1", Content: []byte(`{"k":"v"}`)}); err != nil || !ok {
		t.Fatalf("put: ok=%v err=%v", ok, err)
	}
	if err := v.Update(); err != nil {
		t.Fatalf("view update: %v", err)
	}

	r := gin.New()
	inspector.New(eng, ks, nil).Register(r)
	return r, docs
}

func TestListKeyspaces(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/db/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var entries []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected at least one keyspace")
	}
}

func TestKeyspaceInfo(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/db/10/by-tag/info", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var info map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := info["kid"]; !ok {
		t.Fatalf("expected kid field in %v", info)
	}
}

func TestBrowseKeyspaceUnknownReturns404(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/db/10/no-such-view", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestBrowseKeyspaceHTML(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/db/10/by-tag?format=html", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("content-type = %q", ct)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("<table>")) {
		t.Fatalf("expected an HTML table in body, got %s", w.Body.String())
	}
}

func TestCompact(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/compact", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}
