package attachment_test

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/docdbgo/docdb/internal/attachment"
	"github.com/docdbgo/docdb/internal/docstore"
	"github.com/docdbgo/docdb/internal/keyspace"
	"github.com/docdbgo/docdb/internal/kvengine/memengine"
)

func newStore(t *testing.T) (*docstore.Store, *attachment.Store) {
	t.Helper()
	eng := memengine.New()
	ks := keyspace.Open(eng)

	docs, err := docstore.Open(ks, eng, "docs", docstore.Options{})
	if err != nil {
		t.Fatalf("docstore.Open: %v", err)
	}
	t.Cleanup(docs.Close)

	store, err := attachment.Open(ks, eng, "atts", 1, attachment.Options{MinSegment: 4, MaxSegment: 8})
	if err != nil {
		t.Fatalf("attachment.Open: %v", err)
	}
	t.Cleanup(store.Close)

	return docs, store
}

func md5B64(data []byte) string {
	sum := md5.Sum(data)
	return base64.URLEncoding.EncodeToString(sum[:])
}

// TestUploadRoundTrip covers spec invariant 6: download reassembles the
// exact bytes written, spread across several segments given the tiny
// MinSegment/MaxSegment in newStore, and the MD5 hash matches.
func TestUploadRoundTrip(t *testing.T) {
	_, store := newStore(t)

	payload := []byte("the quick brown fox jumps over the lazy dog, twice over")
	up := store.Open("doc1", "att1", "text/plain")
	if _, err := up.Write(payload[:20]); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if _, err := up.Write(payload[20:]); err != nil {
		t.Fatalf("write 2: %v", err)
	}
	meta, err := up.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(meta.SegIDs) < 2 {
		t.Fatalf("expected multiple segments for a %d-byte payload with MaxSegment=8, got %d", len(payload), len(meta.SegIDs))
	}
	if err := up.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	data, gotMeta, ok, err := store.Get("doc1", "att1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("reassembled bytes mismatch:\ngot  %q\nwant %q", data, payload)
	}
	if want := md5B64(payload); gotMeta.HashB64URL != want {
		t.Fatalf("hash mismatch: got %s want %s", gotMeta.HashB64URL, want)
	}
}

// TestUploadRollbackFreesSegments verifies a rolled-back upload leaves no
// metadata row and its segments unreadable through the public Get path.
func TestUploadRollbackFreesSegments(t *testing.T) {
	_, store := newStore(t)

	up := store.Open("doc1", "att1", "text/plain")
	if _, err := up.Write([]byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := up.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := up.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	_, _, ok, err := store.Get("doc1", "att1")
	if err != nil {
		t.Fatalf("get after rollback: %v", err)
	}
	if ok {
		t.Fatalf("get after rollback: expected not found")
	}
}

// TestUploadReplacesPreviousSegments covers the Close-time deletion of a
// prior attachment version's segments (spec §4.9.1 "Close... deletes the
// previous attachment's segments").
func TestUploadReplacesPreviousSegments(t *testing.T) {
	_, store := newStore(t)

	first := store.Open("doc1", "att1", "text/plain")
	if _, err := first.Write([]byte("version one")); err != nil {
		t.Fatalf("write v1: %v", err)
	}
	if _, err := first.Close(); err != nil {
		t.Fatalf("close v1: %v", err)
	}
	if err := first.Commit(); err != nil {
		t.Fatalf("commit v1: %v", err)
	}

	second := store.Open("doc1", "att1", "text/plain")
	if _, err := second.Write([]byte("version two, a longer replacement body")); err != nil {
		t.Fatalf("write v2: %v", err)
	}
	meta, err := second.Close()
	if err != nil {
		t.Fatalf("close v2: %v", err)
	}
	if err := second.Commit(); err != nil {
		t.Fatalf("commit v2: %v", err)
	}

	data, _, ok, err := store.Get("doc1", "att1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(data) != "version two, a longer replacement body" {
		t.Fatalf("get after replace: got %q", data)
	}
	if len(meta.SegIDs) == 0 {
		t.Fatalf("expected v2 to have segments")
	}
}

// TestGCSweepsUnkeptAttachments covers spec invariant 7: GC reclaims
// attachments no surviving document keeps, while leaving kept ones intact.
func TestGCSweepsUnkeptAttachments(t *testing.T) {
	docs, store := newStore(t)

	up := store.Open("doc1", "keep", "text/plain")
	if _, err := up.Write([]byte("kept forever")); err != nil {
		t.Fatalf("write keep: %v", err)
	}
	if _, err := up.Close(); err != nil {
		t.Fatalf("close keep: %v", err)
	}
	if err := up.Commit(); err != nil {
		t.Fatalf("commit keep: %v", err)
	}

	stray := store.Open("doc1", "stray", "text/plain")
	if _, err := stray.Write([]byte("orphaned")); err != nil {
		t.Fatalf("write stray: %v", err)
	}
	if _, err := stray.Close(); err != nil {
		t.Fatalf("close stray: %v", err)
	}
	if err := stray.Commit(); err != nil {
		t.Fatalf("commit stray: %v", err)
	}

	body, _ := json.Marshal(map[string]any{"attachments": []string{"keep"}})
	if _, ok, err := docs.Put(docstore.PutRequest{Id: "doc1", Content: body}); err != nil || !ok {
		t.Fatalf("put doc1: ok=%v err=%v", ok, err)
	}

	keep := func(doc docstore.Document, add func(attID string)) {
		var payload struct {
			Attachments []string `json:"attachments"`
		}
		if json.Unmarshal(doc.Content, &payload) != nil {
			return
		}
		for _, id := range payload.Attachments {
			add(id)
		}
	}
	if err := store.GC(docs, keep); err != nil {
		t.Fatalf("gc: %v", err)
	}

	if _, _, ok, err := store.Get("doc1", "keep"); err != nil || !ok {
		t.Fatalf("get(keep) after gc: ok=%v err=%v", ok, err)
	}
	if _, _, ok, err := store.Get("doc1", "stray"); err != nil || ok {
		t.Fatalf("get(stray) after gc: want gone, ok=%v err=%v", ok, err)
	}
}
