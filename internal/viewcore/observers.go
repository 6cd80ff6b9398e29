package viewcore

import (
	"sort"
	"sync"

	"github.com/docdbgo/docdb/internal/kvengine"
)

// Handle is an opaque subscription token returned by ObserverHub.Subscribe.
type Handle uint64

// ChangeObserver is notified, synchronously inside the indexing batch b,
// of the union of user keys a reindexed document gained or lost (§4.5.1
// step 4). Returning false unsubscribes it.
type ChangeObserver func(b *kvengine.Batch, changedKeys []any) bool

// ObserverHub is the per-keyspace broadcast registry described in §4.8,
// reused here for the view→aggregator invalidation path: unlike the
// incremental store's hub (one per document store, payload-oriented), this
// one fires with the set of changed user keys so an aggregator can write
// its own recipe rows into the same batch.
type ObserverHub struct {
	mu   sync.Mutex
	next Handle
	subs map[Handle]ChangeObserver
}

// NewObserverHub returns an empty hub.
func NewObserverHub() *ObserverHub {
	return &ObserverHub{subs: make(map[Handle]ChangeObserver)}
}

// Subscribe registers fn and returns a handle for Unsubscribe.
func (h *ObserverHub) Subscribe(fn ChangeObserver) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.subs[h.next] = fn
	return h.next
}

// Unsubscribe removes a previously registered observer, if still present.
func (h *ObserverHub) Unsubscribe(handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, handle)
}

// Broadcast invokes every observer in registration order with (b,
// changedKeys), removing any that returns false.
func (h *ObserverHub) Broadcast(b *kvengine.Batch, changedKeys []any) {
	h.mu.Lock()
	handles := make([]Handle, 0, len(h.subs))
	for hd := range h.subs {
		handles = append(handles, hd)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	fns := make([]ChangeObserver, len(handles))
	for i, hd := range handles {
		fns[i] = h.subs[hd]
	}
	h.mu.Unlock()

	for i, fn := range fns {
		if !fn(b, changedKeys) {
			h.Unsubscribe(handles[i])
		}
	}
}
