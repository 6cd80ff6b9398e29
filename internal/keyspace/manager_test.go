package keyspace_test

import (
	"errors"
	"testing"

	"github.com/docdbgo/docdb/internal/keyspace"
	"github.com/docdbgo/docdb/internal/kvengine/memengine"
)

func TestAllocIsStableAndDistinct(t *testing.T) {
	m := keyspace.Open(memengine.New())

	a, err := m.Alloc(1, "docs")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	b, err := m.Alloc(1, "views")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct kids, got %d and %d", a, b)
	}

	again, err := m.Alloc(1, "docs")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if again != a {
		t.Fatalf("re-alloc of existing (class,name) changed kid: %d != %d", again, a)
	}
}

func TestAllocReservesManagerKid(t *testing.T) {
	m := keyspace.Open(memengine.New())
	for i := 0; i < 254; i++ {
		if _, err := m.Alloc(0, string(rune('a'+i%26))+string(rune(i))); err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
	}
	entries, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, e := range entries {
		if e.Kid == keyspace.ManagerKid {
			t.Fatalf("allocator handed out reserved manager kid")
		}
	}
}

func TestFreeRefusesWhileLocked(t *testing.T) {
	m := keyspace.Open(memengine.New())
	kid, err := m.Alloc(1, "docs")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	m.Lock(kid)

	if err := m.Free(1, "docs"); !errors.Is(err, keyspace.ErrKeyspaceLocked) {
		t.Fatalf("Free while locked: got %v, want ErrKeyspaceLocked", err)
	}

	m.Unlock(kid)
	if err := m.Free(1, "docs"); err != nil {
		t.Fatalf("Free after unlock: %v", err)
	}
}

func TestFreeThenAllocReusesKidOnEmptyKeyspace(t *testing.T) {
	m := keyspace.Open(memengine.New())
	kid, err := m.Alloc(1, "docs")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := m.Free(1, "docs"); err != nil {
		t.Fatalf("Free: %v", err)
	}
	kid2, err := m.Alloc(1, "docs")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if kid2 != kid {
		t.Fatalf("expected kid reuse, got %d want %d", kid2, kid)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	m := keyspace.Open(memengine.New())
	kid, err := m.Alloc(1, "docs")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	type meta struct {
		Revision int    `json:"revision"`
		LastSeq  uint64 `json:"lastSeq"`
	}
	if err := m.PutMetadata(kid, meta{Revision: 3, LastSeq: 42}); err != nil {
		t.Fatalf("PutMetadata: %v", err)
	}

	var got meta
	ok, err := m.GetMetadata(kid, &got)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if !ok || got.Revision != 3 || got.LastSeq != 42 {
		t.Fatalf("GetMetadata = %+v, %v", got, ok)
	}
}

func TestLockPanicsOnDoubleAcquire(t *testing.T) {
	m := keyspace.Open(memengine.New())
	kid, _ := m.Alloc(1, "docs")
	m.Lock(kid)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on double lock")
		}
	}()
	m.Lock(kid)
}
