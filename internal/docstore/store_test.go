package docstore_test

import (
	"testing"

	"github.com/docdbgo/docdb/internal/docstore"
	"github.com/docdbgo/docdb/internal/keyspace"
	"github.com/docdbgo/docdb/internal/kvengine/memengine"
)

func newStore(t *testing.T, opts docstore.Options) (*docstore.Store, *keyspace.Manager) {
	t.Helper()
	eng := memengine.New()
	ks := keyspace.Open(eng)
	s, err := docstore.Open(ks, eng, "docs", opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	return s, ks
}

func TestPutCreateThenUpdate(t *testing.T) {
	s, _ := newStore(t, docstore.Options{})

	doc, ok, err := s.Put(docstore.PutRequest{Id: "a", Content: []byte(`{"x":1}`)})
	if err != nil || !ok {
		t.Fatalf("Put create: ok=%v err=%v", ok, err)
	}
	if doc.Revisions[0] == 0 {
		t.Fatalf("expected non-zero revision")
	}

	doc2, ok, err := s.Put(docstore.PutRequest{Id: "a", Content: []byte(`{"x":2}`), ExpectedRev: doc.Revisions[0]})
	if err != nil || !ok {
		t.Fatalf("Put update: ok=%v err=%v", ok, err)
	}
	if doc2.Revisions[0] == doc.Revisions[0] {
		t.Fatalf("expected revision to change")
	}
	if len(doc2.Revisions) != 2 {
		t.Fatalf("expected 2 revisions in chain, got %d", len(doc2.Revisions))
	}
}

func TestPutConflictOnStaleRevision(t *testing.T) {
	s, _ := newStore(t, docstore.Options{})
	if _, _, err := s.Put(docstore.PutRequest{Id: "a", Content: []byte(`1`)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_, ok, err := s.Put(docstore.PutRequest{Id: "a", Content: []byte(`2`), ExpectedRev: 999})
	if err != nil {
		t.Fatalf("Put: unexpected error %v", err)
	}
	if ok {
		t.Fatalf("expected conflict, got ok=true")
	}
}

func TestPutConflictOnUnexpectedNewDocument(t *testing.T) {
	s, _ := newStore(t, docstore.Options{})
	_, ok, err := s.Put(docstore.PutRequest{Id: "a", Content: []byte(`1`), ExpectedRev: 5})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok {
		t.Fatalf("expected conflict for nonzero ExpectedRev on new doc")
	}
}

func TestGetMissingIsNoError(t *testing.T) {
	s, _ := newStore(t, docstore.Options{})
	_, ok, err := s.Get("nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected miss")
	}
}

func TestEraseLeavesTombstone(t *testing.T) {
	s, _ := newStore(t, docstore.Options{Graveyard: true})
	doc, _, err := s.Put(docstore.PutRequest{Id: "a", Content: []byte(`1`)})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, ok, err := s.Erase("a", doc.Revisions[0])
	if err != nil || !ok {
		t.Fatalf("Erase: ok=%v err=%v", ok, err)
	}

	_, ok, err = s.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected live Get to miss a deleted document")
	}

	tomb, ok, err := s.ReplicateGet("a")
	if err != nil || !ok {
		t.Fatalf("ReplicateGet: ok=%v err=%v", ok, err)
	}
	if !tomb.Deleted {
		t.Fatalf("expected tombstone")
	}
}

func TestPurgeRemovesDocumentEntirely(t *testing.T) {
	s, _ := newStore(t, docstore.Options{})
	doc, _, err := s.Put(docstore.PutRequest{Id: "a", Content: []byte(`1`)})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Purge("a", doc.Revisions[0]); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	_, ok, err := s.ReplicateGet("a")
	if err != nil {
		t.Fatalf("ReplicateGet: %v", err)
	}
	if ok {
		t.Fatalf("expected purge to remove the document entirely")
	}
}

func TestPurgeRevisionMismatch(t *testing.T) {
	s, _ := newStore(t, docstore.Options{})
	if _, _, err := s.Put(docstore.PutRequest{Id: "a", Content: []byte(`1`)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Purge("a", 12345); err == nil {
		t.Fatalf("expected purge revision mismatch error")
	}
}

func TestScanSkipsDeleted(t *testing.T) {
	s, _ := newStore(t, docstore.Options{Graveyard: true})
	for _, id := range []string{"a", "b", "c"} {
		if _, _, err := s.Put(docstore.PutRequest{Id: id, Content: []byte(`1`)}); err != nil {
			t.Fatalf("Put(%s): %v", id, err)
		}
	}
	docB, _, err := s.Get("b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, _, err := s.Erase("b", docB.Revisions[0]); err != nil {
		t.Fatalf("Erase: %v", err)
	}

	it := s.Scan(docstore.ScanOptions{})
	defer it.Close()
	var ids []string
	for {
		doc, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		ids = append(ids, doc.Id)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 live docs, got %v", ids)
	}

	delIt := s.ScanDeleted(docstore.ScanOptions{})
	defer delIt.Close()
	var delIds []string
	for {
		doc, ok, err := delIt.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		delIds = append(delIds, doc.Id)
	}
	if len(delIds) != 1 || delIds[0] != "b" {
		t.Fatalf("expected only b in graveyard, got %v", delIds)
	}
}

func TestScanChangesJoinsCurrentHeader(t *testing.T) {
	s, _ := newStore(t, docstore.Options{})
	if _, _, err := s.Put(docstore.PutRequest{Id: "a", Content: []byte(`1`)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	doc, _, err := s.Put(docstore.PutRequest{Id: "b", Content: []byte(`2`)})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Update b again; its earlier incremental record should no longer
	// surface on a changes scan from 0.
	if _, _, err := s.Put(docstore.PutRequest{Id: "b", Content: []byte(`3`), ExpectedRev: doc.Revisions[0]}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	it := s.ScanChanges(0)
	defer it.Close()
	seen := map[string]int{}
	for {
		d, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		seen[d.Id]++
	}
	if seen["a"] != 1 || seen["b"] != 1 {
		t.Fatalf("expected exactly one surviving change per id, got %v", seen)
	}
}

func TestReplicatePutAcceptsForeignChain(t *testing.T) {
	s, _ := newStore(t, docstore.Options{})
	doc, _, err := s.Put(docstore.PutRequest{Id: "a", Content: []byte(`1`)})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	foreign := docstore.ReplicatedDocument{
		Id:        "a",
		Content:   []byte(`2`),
		Timestamp: 123,
		Revisions: []uint64{777, doc.Revisions[0]},
	}
	got, ok, err := s.ReplicatePut(foreign)
	if err != nil || !ok {
		t.Fatalf("ReplicatePut: ok=%v err=%v", ok, err)
	}
	if got.Revisions[0] != 777 {
		t.Fatalf("expected foreign chain to replace local, got %v", got.Revisions)
	}
}

func TestReplicatePutConflictWhenChainDoesNotContainLocal(t *testing.T) {
	s, _ := newStore(t, docstore.Options{})
	if _, _, err := s.Put(docstore.PutRequest{Id: "a", Content: []byte(`1`)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_, ok, err := s.ReplicatePut(docstore.ReplicatedDocument{Id: "a", Content: []byte(`2`), Revisions: []uint64{111, 222}})
	if err != nil {
		t.Fatalf("ReplicatePut: %v", err)
	}
	if ok {
		t.Fatalf("expected conflict when local revision is absent from foreign chain")
	}
}

func TestRevisionHistoryIsCapped(t *testing.T) {
	s, _ := newStore(t, docstore.Options{RevHistoryLength: 3})
	var rev uint64
	for i := 0; i < 10; i++ {
		doc, ok, err := s.Put(docstore.PutRequest{Id: "a", Content: []byte(`{}`), ExpectedRev: rev})
		if err != nil || !ok {
			t.Fatalf("Put #%d: ok=%v err=%v", i, ok, err)
		}
		rev = doc.Revisions[0]
		if len(doc.Revisions) > 3 {
			t.Fatalf("revision history exceeded cap: %d", len(doc.Revisions))
		}
	}
}
