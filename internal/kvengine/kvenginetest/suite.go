// Package kvenginetest is a reusable conformance suite exercised against
// every kvengine.Engine implementation (memengine for fast unit tests, the
// pebble adapter for integration coverage), grounded on the teacher's
// habit of sharing one assertion body across a repository's several
// backing stores (see internal/repo/store/store.go vs
// internal/infrastructure/datastore/datastore.go, which duplicate the same
// invariants against different Redis layouts).
package kvenginetest

import (
	"bytes"
	"testing"

	"github.com/docdbgo/docdb/internal/kvengine"
)

// Run exercises the full Engine contract against a fresh instance produced
// by newEngine. Call it once per backend from that backend's own
// _test.go, e.g.:
//
//	func TestMemEngine(t *testing.T) {
//	    kvenginetest.Run(t, func() kvengine.Engine { return memengine.New() })
//	}
func Run(t *testing.T, newEngine func() kvengine.Engine) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newEngine()) })
	t.Run("SetGet", func(t *testing.T) { testSetGet(t, newEngine()) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newEngine()) })
	t.Run("DeleteRange", func(t *testing.T) { testDeleteRange(t, newEngine()) })
	t.Run("IteratorForward", func(t *testing.T) { testIteratorForward(t, newEngine()) })
	t.Run("IteratorReverse", func(t *testing.T) { testIteratorReverse(t, newEngine()) })
	t.Run("IteratorBounds", func(t *testing.T) { testIteratorBounds(t, newEngine()) })
	t.Run("SnapshotIsolation", func(t *testing.T) { testSnapshotIsolation(t, newEngine()) })
	t.Run("SnapshotWriteError", func(t *testing.T) { testSnapshotWriteError(t, newEngine()) })
	t.Run("BatchAtomicity", func(t *testing.T) { testBatchAtomicity(t, newEngine()) })
	t.Run("OnCommitFires", func(t *testing.T) { testOnCommitFires(t, newEngine()) })
}

func testGetMissing(t *testing.T, e kvengine.Engine) {
	defer e.Close()
	_, ok, err := e.Get([]byte("nope"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected miss")
	}
}

func testSetGet(t *testing.T, e kvengine.Engine) {
	defer e.Close()
	b := e.NewBatch()
	b.Set([]byte("a"), []byte("1"))
	b.Set([]byte("b"), []byte("2"))
	if err := e.Write(b, false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	v, ok, err := e.Get([]byte("a"))
	if err != nil || !ok || !bytes.Equal(v, []byte("1")) {
		t.Fatalf("Get(a) = %q, %v, %v", v, ok, err)
	}
	v, ok, err = e.Get([]byte("b"))
	if err != nil || !ok || !bytes.Equal(v, []byte("2")) {
		t.Fatalf("Get(b) = %q, %v, %v", v, ok, err)
	}
}

func testDelete(t *testing.T, e kvengine.Engine) {
	defer e.Close()
	b := e.NewBatch()
	b.Set([]byte("a"), []byte("1"))
	must(t, e.Write(b, false))

	b = e.NewBatch()
	b.Delete([]byte("a"))
	must(t, e.Write(b, false))

	_, ok, err := e.Get([]byte("a"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func testDeleteRange(t *testing.T, e kvengine.Engine) {
	defer e.Close()
	b := e.NewBatch()
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		b.Set([]byte(k), []byte(k))
	}
	must(t, e.Write(b, false))

	b = e.NewBatch()
	b.DeleteRange([]byte("b"), []byte("d"))
	must(t, e.Write(b, false))

	for _, k := range []string{"a", "d", "e"} {
		if _, ok, _ := e.Get([]byte(k)); !ok {
			t.Fatalf("expected %q to survive", k)
		}
	}
	for _, k := range []string{"b", "c"} {
		if _, ok, _ := e.Get([]byte(k)); ok {
			t.Fatalf("expected %q to be deleted", k)
		}
	}
}

func testIteratorForward(t *testing.T, e kvengine.Engine) {
	defer e.Close()
	b := e.NewBatch()
	for _, k := range []string{"c", "a", "e", "b", "d"} {
		b.Set([]byte(k), []byte(k))
	}
	must(t, e.Write(b, false))

	it := e.NewIterator(kvengine.Range{})
	defer it.Close()

	var got []string
	for it.Valid() {
		got = append(got, string(it.Key()))
		it.Next()
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	want := []string{"a", "b", "c", "d", "e"}
	if !equalStrs(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func testIteratorReverse(t *testing.T, e kvengine.Engine) {
	defer e.Close()
	b := e.NewBatch()
	for _, k := range []string{"a", "b", "c"} {
		b.Set([]byte(k), []byte(k))
	}
	must(t, e.Write(b, false))

	it2 := e.NewIterator(kvengine.Range{From: []byte("c"), To: []byte("a")})
	defer it2.Close()
	var got []string
	for it2.Valid() {
		got = append(got, string(it2.Key()))
		it2.Next()
	}
	want := []string{"b", "a"}
	if !equalStrs(got, want) {
		t.Fatalf("reverse got %v, want %v", got, want)
	}
}

func testIteratorBounds(t *testing.T, e kvengine.Engine) {
	defer e.Close()
	b := e.NewBatch()
	for _, k := range []string{"a", "b", "c", "d"} {
		b.Set([]byte(k), []byte(k))
	}
	must(t, e.Write(b, false))

	it := e.NewIterator(kvengine.Range{From: []byte("b"), To: []byte("d")})
	defer it.Close()
	var got []string
	for it.Valid() {
		got = append(got, string(it.Key()))
		it.Next()
	}
	want := []string{"b", "c"}
	if !equalStrs(got, want) {
		t.Fatalf("bounded got %v, want %v", got, want)
	}
}

func testSnapshotIsolation(t *testing.T, e kvengine.Engine) {
	defer e.Close()
	b := e.NewBatch()
	b.Set([]byte("a"), []byte("1"))
	must(t, e.Write(b, false))

	snap := e.NewSnapshot(kvengine.WriteError)
	defer snap.Close()

	b = e.NewBatch()
	b.Set([]byte("a"), []byte("2"))
	must(t, e.Write(b, false))

	v, _, _ := snap.Get([]byte("a"))
	if !bytes.Equal(v, []byte("1")) {
		t.Fatalf("snapshot saw live write: got %q, want %q", v, "1")
	}
	v, _, _ = e.Get([]byte("a"))
	if !bytes.Equal(v, []byte("2")) {
		t.Fatalf("live engine did not see its own write: got %q", v)
	}
}

func testSnapshotWriteError(t *testing.T, e kvengine.Engine) {
	defer e.Close()
	snap := e.NewSnapshot(kvengine.WriteError)
	defer snap.Close()

	b := snap.NewBatch()
	b.Set([]byte("a"), []byte("1"))
	if err := snap.Write(b, false); err == nil {
		t.Fatalf("expected write to a WriteError snapshot to fail")
	}
}

func testBatchAtomicity(t *testing.T, e kvengine.Engine) {
	defer e.Close()
	b := e.NewBatch()
	b.Set([]byte("a"), []byte("1"))
	b.Set([]byte("b"), []byte("2"))
	b.Delete([]byte("c")) // never existed; delete-of-missing must not error
	must(t, e.Write(b, false))

	for _, kv := range map[string]string{"a": "1", "b": "2"} {
		_ = kv
	}
	va, _, _ := e.Get([]byte("a"))
	vb, _, _ := e.Get([]byte("b"))
	if !bytes.Equal(va, []byte("1")) || !bytes.Equal(vb, []byte("2")) {
		t.Fatalf("batch did not apply atomically: a=%q b=%q", va, vb)
	}
}

func testOnCommitFires(t *testing.T, e kvengine.Engine) {
	defer e.Close()
	var fired bool
	var committedArg bool
	b := e.NewBatch()
	b.Set([]byte("a"), []byte("1"))
	b.OnCommit(func(committed bool) {
		fired = true
		committedArg = committed
	})
	must(t, e.Write(b, false))
	if !fired {
		t.Fatalf("OnCommit callback never fired")
	}
	if !committedArg {
		t.Fatalf("OnCommit callback fired with committed=false on a successful write")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func equalStrs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
