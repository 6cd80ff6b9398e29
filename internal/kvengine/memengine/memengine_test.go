package memengine

import (
	"context"
	"testing"
	"time"

	"github.com/docdbgo/docdb/internal/kvengine"
	"github.com/docdbgo/docdb/internal/kvengine/kvenginetest"
)

func TestConformance(t *testing.T) {
	kvenginetest.Run(t, func() kvengine.Engine { return New() })
}

func TestWaitGroupAdvanceWakesWaiter(t *testing.T) {
	w := newWaitGroup()
	done := make(chan error, 1)
	go func() {
		seq, err := w.Wait(context.Background(), 0)
		if err == nil && seq != 1 {
			err = errUnexpectedSeq(seq)
		}
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	w.advance(1)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait never woke up after advance")
	}
}

func TestWaitGroupCancelListenWakesAllWaiters(t *testing.T) {
	w := newWaitGroup()
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := w.Wait(context.Background(), 0)
			errs <- err
		}()
	}

	time.Sleep(10 * time.Millisecond)
	w.CancelListen()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			if err == nil {
				t.Fatal("expected cancellation error")
			}
		case <-time.After(time.Second):
			t.Fatal("CancelListen did not wake a waiter")
		}
	}
}

func TestWaitGroupContextCancellation(t *testing.T) {
	w := newWaitGroup()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := w.Wait(ctx, 0)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

type errUnexpectedSeq uint64

func (e errUnexpectedSeq) Error() string { return "unexpected seq" }
