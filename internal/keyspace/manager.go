// Package keyspace multiplexes unrelated logical tables into one physical
// key-value namespace. It owns the reserved manager keyspace id 0xFF, which
// holds the directory rows every other component's kid is allocated from.
package keyspace

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/docdbgo/docdb/internal/keycodec"
	"github.com/docdbgo/docdb/internal/kvengine"
)

// ManagerKid is the reserved keyspace id the directory itself lives in.
const ManagerKid byte = 0xFF

const (
	dirKind     byte = 0x01 // 0xFF 0x01 <class> <encoded name> -> kid
	metaKind    byte = 0x02 // 0xFF 0x02 <kid> -> metadata json
	totalKids        = 256
)

// Entry is one allocated keyspace as returned by List.
type Entry struct {
	Kid   byte
	Class byte
	Name  string
}

// Manager allocates and frees logical keyspaces by (class, name), stores
// per-keyspace metadata, and tracks an in-memory soft lock per kid.
//
// The lock registry mirrors the teacher's
// internal/infrastructure/processmgr/slot_pool.go ownership-tracking,
// panic-on-double-acquire discipline, adapted from a counting semaphore
// into a keyed exclusive lock: a long-lived derived component calls Lock at
// construction and Unlock at destruction, and Free refuses while locked.
type Manager struct {
	mu  sync.Mutex
	eng kvengine.Engine

	locked map[byte]struct{}
}

// Open builds a Manager over eng. It does not scan on open — the directory
// is read lazily by Alloc/List since kid allocation is a linear scan over
// at most 255 entries regardless.
func Open(eng kvengine.Engine) *Manager {
	return &Manager{eng: eng, locked: make(map[byte]struct{})}
}

func dirKey(class byte, name string) []byte {
	nameEnc := keycodec.Encode(nil, name)
	return keycodec.CompositeKey([]byte{ManagerKid, dirKind, class}, nameEnc)
}

func metaKey(kid byte) []byte {
	return []byte{ManagerKid, metaKind, kid}
}

// Alloc allocates a keyspace id for (class, name), reusing an existing
// allocation if one is already on record. Search for a free kid is linear
// over the byte-sized id space — acceptable since there are at most 255
// candidates.
func (m *Manager) Alloc(class byte, name string) (byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dirKey(class, name)
	if v, ok, err := m.eng.Get(key); err != nil {
		return 0, fmt.Errorf("keyspace: alloc: read directory: %w", err)
	} else if ok {
		return v[0], nil
	}

	used := make([]bool, totalKids)
	used[ManagerKid] = true
	it := m.eng.NewIterator(kvengine.Range{
		From: []byte{ManagerKid, dirKind},
		To:   []byte{ManagerKid, dirKind + 1},
	})
	defer it.Close()
	for it.Valid() {
		v := it.Value()
		if len(v) == 1 {
			used[v[0]] = true
		}
		it.Next()
	}
	if err := it.Err(); err != nil {
		return 0, fmt.Errorf("keyspace: alloc: scan directory: %w", err)
	}

	kid := -1
	for i := 0; i < totalKids; i++ {
		if !used[i] {
			kid = i
			break
		}
	}
	if kid < 0 {
		return 0, fmt.Errorf("keyspace: alloc(%d,%q): %w", class, name, ErrTooManyKeyspaces)
	}

	b := m.eng.NewBatch()
	b.Set(key, []byte{byte(kid)})
	if err := m.eng.Write(b, true); err != nil {
		return 0, fmt.Errorf("keyspace: alloc: commit: %w", err)
	}
	return byte(kid), nil
}

// Free removes the (class, name) allocation and clears every key under its
// kid prefix. It refuses while the keyspace is locked.
func (m *Manager) Free(class byte, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dirKey(class, name)
	v, ok, err := m.eng.Get(key)
	if err != nil {
		return fmt.Errorf("keyspace: free: read directory: %w", err)
	}
	if !ok {
		return nil
	}
	kid := v[0]
	if _, locked := m.locked[kid]; locked {
		return fmt.Errorf("keyspace: free(%d,%q): %w", class, name, ErrKeyspaceLocked)
	}

	b := m.eng.NewBatch()
	b.Delete(key)
	b.Delete(metaKey(kid))
	b.DeleteRange([]byte{kid}, []byte{kid + 1})
	if err := m.eng.Write(b, true); err != nil {
		return fmt.Errorf("keyspace: free: commit: %w", err)
	}
	return nil
}

// List returns every allocated keyspace.
func (m *Manager) List() ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it := m.eng.NewIterator(kvengine.Range{
		From: []byte{ManagerKid, dirKind},
		To:   []byte{ManagerKid, dirKind + 1},
	})
	defer it.Close()

	var out []Entry
	for it.Valid() {
		k, v := it.Key(), it.Value()
		if len(k) < 3 || len(v) != 1 {
			it.Next()
			continue
		}
		class := k[2]
		name, _, err := keycodec.Decode(k[3:])
		if err != nil {
			it.Next()
			continue
		}
		s, _ := name.(string)
		out = append(out, Entry{Kid: v[0], Class: class, Name: s})
		it.Next()
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("keyspace: list: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kid < out[j].Kid })
	return out, nil
}

// PutMetadata stores v (JSON-encoded) as kid's metadata blob.
func (m *Manager) PutMetadata(kid byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("keyspace: put metadata: encode: %w", err)
	}
	b := m.eng.NewBatch()
	b.Set(metaKey(kid), data)
	if err := m.eng.Write(b, true); err != nil {
		return fmt.Errorf("keyspace: put metadata: commit: %w", err)
	}
	return nil
}

// GetMetadata decodes kid's metadata blob into out, reporting whether one
// was present.
func (m *Manager) GetMetadata(kid byte, out any) (bool, error) {
	v, ok, err := m.eng.Get(metaKey(kid))
	if err != nil {
		return false, fmt.Errorf("keyspace: get metadata: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(v, out); err != nil {
		return false, fmt.Errorf("keyspace: get metadata: decode: %w", err)
	}
	return true, nil
}

// ApproximateSize reports the estimated disk size consumed by kid's range.
func (m *Manager) ApproximateSize(kid byte) (uint64, error) {
	sizes, err := m.eng.ApproximateSize([]kvengine.Range{{
		From: []byte{kid},
		To:   []byte{kid + 1},
	}})
	if err != nil {
		return 0, fmt.Errorf("keyspace: approximate size: %w", err)
	}
	return sizes[0], nil
}

// Lock acquires the soft lock for kid, panicking if the caller already
// holds it — a protocol violation, same discipline as slot_pool.acquire.
func (m *Manager) Lock(kid byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locked[kid]; held {
		panic("keyspace: kid already locked")
	}
	m.locked[kid] = struct{}{}
	return true
}

// Unlock releases the soft lock for kid, panicking if the caller does not
// hold it.
func (m *Manager) Unlock(kid byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locked[kid]; !held {
		panic("keyspace: unlock for unheld kid")
	}
	delete(m.locked, kid)
}

// IsLocked reports whether kid is currently locked.
func (m *Manager) IsLocked(kid byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.locked[kid]
	return held
}
