package incremental_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/docdbgo/docdb/internal/incremental"
	"github.com/docdbgo/docdb/internal/kvengine"
	"github.com/docdbgo/docdb/internal/kvengine/memengine"
)

func open(t *testing.T) (*incremental.Store, kvengine.Engine) {
	t.Helper()
	eng := memengine.New()
	s, err := incremental.Open(eng, 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, eng
}

func TestPutAssignsIncreasingSeq(t *testing.T) {
	s, eng := open(t)

	b := eng.NewBatch()
	seq1, err := s.Put(b, map[string]any{"v": 1})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	seq2, err := s.Put(b, map[string]any{"v": 2})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if seq2 != seq1+1 {
		t.Fatalf("expected consecutive seqs, got %d then %d", seq1, seq2)
	}
	if err := eng.Write(b, false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got := s.GetSeq(); got != seq2 {
		t.Fatalf("GetSeq = %d, want %d", got, seq2)
	}
}

func TestGetRoundTrip(t *testing.T) {
	s, eng := open(t)
	b := eng.NewBatch()
	seq, err := s.Put(b, map[string]any{"hello": "world"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := eng.Write(b, false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	payload, ok, err := s.Get(seq)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(payload) != `{"hello":"world"}` {
		t.Fatalf("Get payload = %s", payload)
	}

	_, ok, err = s.Get(seq + 100)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected miss for unwritten seq")
	}
}

func TestEraseRemovesRecord(t *testing.T) {
	s, eng := open(t)
	b := eng.NewBatch()
	seq, err := s.Put(b, 1)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := eng.Write(b, false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	b = eng.NewBatch()
	s.Erase(b, seq)
	if err := eng.Write(b, false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_, ok, err := s.Get(seq)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected erased record to be gone")
	}
}

func TestScanFromExcludesSince(t *testing.T) {
	s, eng := open(t)
	var seqs []uint64
	for i := 0; i < 5; i++ {
		b := eng.NewBatch()
		seq, err := s.Put(b, i)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := eng.Write(b, false); err != nil {
			t.Fatalf("Write: %v", err)
		}
		seqs = append(seqs, seq)
	}

	it := s.ScanFrom(seqs[1])
	defer it.Close()
	var got []uint64
	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, rec.Seq)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	want := seqs[2:]
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestOpenRecoversNextSeq(t *testing.T) {
	eng := memengine.New()
	s, err := incremental.Open(eng, 5)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		b := eng.NewBatch()
		if _, err := s.Put(b, i); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := eng.Write(b, false); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	lastSeq := s.GetSeq()

	reopened, err := incremental.Open(eng, 5)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	if got := reopened.GetSeq(); got != lastSeq {
		t.Fatalf("recovered seq = %d, want %d", got, lastSeq)
	}

	b := eng.NewBatch()
	seq, err := reopened.Put(b, "next")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if seq != lastSeq+1 {
		t.Fatalf("next seq after reopen = %d, want %d", seq, lastSeq+1)
	}
}

func TestObserverFiresInsideCommitBatch(t *testing.T) {
	s, eng := open(t)

	var gotSeq uint64
	var gotPayload string
	s.AddObserver(func(b *kvengine.Batch, seq uint64, payload json.RawMessage) bool {
		gotSeq = seq
		gotPayload = string(payload)
		return true
	})

	b := eng.NewBatch()
	seq, err := s.Put(b, map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := eng.Write(b, false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if gotSeq != seq {
		t.Fatalf("observer saw seq %d, want %d", gotSeq, seq)
	}
	if gotPayload != `{"a":1}` {
		t.Fatalf("observer saw payload %s", gotPayload)
	}
}

func TestObserverUnsubscribesOnFalse(t *testing.T) {
	s, eng := open(t)

	calls := 0
	s.AddObserver(func(b *kvengine.Batch, seq uint64, payload json.RawMessage) bool {
		calls++
		return false
	})

	for i := 0; i < 3; i++ {
		b := eng.NewBatch()
		if _, err := s.Put(b, i); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := eng.Write(b, false); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	if calls != 1 {
		t.Fatalf("observer fired %d times, want exactly 1", calls)
	}
}

func TestWaitForChangesWakesOnPut(t *testing.T) {
	s, eng := open(t)
	since := s.GetSeq()

	done := make(chan uint64, 1)
	go func() {
		seq, err := s.WaitForChanges(context.Background(), since)
		if err != nil {
			done <- 0
			return
		}
		done <- seq
	}()

	time.Sleep(10 * time.Millisecond)
	b := eng.NewBatch()
	seq, err := s.Put(b, "x")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := eng.Write(b, false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case got := <-done:
		if got != seq {
			t.Fatalf("WaitForChanges returned %d, want %d", got, seq)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForChanges never woke up")
	}
}

func TestCancelListenWakesWaiter(t *testing.T) {
	s, _ := open(t)
	done := make(chan error, 1)
	go func() {
		_, err := s.WaitForChanges(context.Background(), 0)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.CancelListen()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("CancelListen did not wake the waiter")
	}
}
