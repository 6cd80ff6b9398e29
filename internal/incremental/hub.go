package incremental

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/docdbgo/docdb/internal/kvengine"
)

// Handle identifies a registered Hub subscription for later Unsubscribe.
type Handle uint64

// Hub is a per-keyspace multi-subscriber broadcast channel (spec §4.8).
// Registration returns an opaque handle; broadcast calls each observer with
// the batch, seq and payload; an observer returning false is removed
// before the next broadcast. Observers run synchronously on the writer's
// goroutine, inside the writer's batch, so they inherit its transactional
// atomicity with the upstream write.
type Hub struct {
	mu        sync.Mutex
	next      Handle
	observers map[Handle]func(b *kvengine.Batch, seq uint64, payload json.RawMessage) bool
}

func newHub() *Hub {
	return &Hub{
		observers: make(map[Handle]func(b *kvengine.Batch, seq uint64, payload json.RawMessage) bool),
	}
}

// Subscribe registers fn and returns a handle for Unsubscribe.
func (h *Hub) Subscribe(fn func(b *kvengine.Batch, seq uint64, payload json.RawMessage) bool) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	handle := h.next
	h.observers[handle] = fn
	return handle
}

// Unsubscribe removes a previously registered observer. A no-op if handle
// is unknown (already removed by returning false, or never registered).
func (h *Hub) Unsubscribe(handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.observers, handle)
}

func (h *Hub) broadcast(b *kvengine.Batch, seq uint64, payload json.RawMessage) {
	h.mu.Lock()
	handles := make([]Handle, 0, len(h.observers))
	for handle := range h.observers {
		handles = append(handles, handle)
	}
	h.mu.Unlock()

	// Handles are assigned from a monotonic counter, so sorting them
	// reconstructs registration order.
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	for _, handle := range handles {
		h.mu.Lock()
		fn, ok := h.observers[handle]
		h.mu.Unlock()
		if !ok {
			continue
		}
		if !fn(b, seq, payload) {
			h.Unsubscribe(handle)
		}
	}
}
