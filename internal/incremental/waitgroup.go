package incremental

import (
	"context"
	"fmt"
	"sync"
)

// waitGroup implements the blocking half of WaitForChanges/CancelListen
// over a sync.Cond, grounded on the teacher's
// internal/infrastructure/processmgr/slot_pool.go acquire/release-with-
// broadcast pattern, adapted here from a semaphore into a watch over a
// monotonically increasing seq.
type waitGroup struct {
	mu       sync.Mutex
	cond     *sync.Cond
	seq      uint64
	canceled bool
}

func newWaitGroup() *waitGroup {
	w := &waitGroup{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *waitGroup) advance(seq uint64) {
	w.mu.Lock()
	if seq > w.seq {
		w.seq = seq
	}
	w.mu.Unlock()
	w.cond.Broadcast()
}

// Wait blocks until seq advances past since, ctx is cancelled, or
// CancelListen is called.
func (w *waitGroup) Wait(ctx context.Context, since uint64) (uint64, error) {
	w.mu.Lock()
	for w.seq <= since && !w.canceled && ctx.Err() == nil {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				w.cond.Broadcast()
			case <-done:
			}
		}()
		w.cond.Wait()
		close(done)
	}
	seq, canceled := w.seq, w.canceled
	w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return seq, err
	}
	if canceled {
		return seq, fmt.Errorf("incremental: %w", ErrListenCanceled)
	}
	return seq, nil
}

// CancelListen wakes every blocked Wait call with ErrListenCanceled.
func (w *waitGroup) CancelListen() {
	w.mu.Lock()
	w.canceled = true
	w.mu.Unlock()
	w.cond.Broadcast()
}
