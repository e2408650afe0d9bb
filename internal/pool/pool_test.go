package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkersRunTasks(t *testing.T) {
	w := New(Config{Size: 2, Queue: 8})
	defer w.Close()

	var ran int64
	for i := 0; i < 10; i++ {
		if err := w.Submit(context.Background(), func() { atomic.AddInt64(&ran, 1) }); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&ran) < 10 {
		select {
		case <-deadline:
			t.Fatalf("ran %d of 10 tasks before deadline", atomic.LoadInt64(&ran))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestWorkersSubmitAfterClose(t *testing.T) {
	w := New(Config{Size: 1, Queue: 1})
	w.Close()

	if err := w.Submit(context.Background(), func() {}); err != ErrClosed {
		t.Errorf("Submit() after close = %v, want ErrClosed", err)
	}
}

func TestWorkersDoReturnsResult(t *testing.T) {
	w := New(Config{Size: 1, Queue: 1})
	defer w.Close()

	got := w.Do(context.Background(), func() int { return 42 })
	if got != 42 {
		t.Errorf("Do() = %d, want 42", got)
	}
}

func TestWorkersDoFallsBackInline(t *testing.T) {
	w := New(Config{Size: 1, Queue: 1})
	w.Close()

	got := w.Do(context.Background(), func() int { return 7 })
	if got != 7 {
		t.Errorf("Do() after close = %d, want inline result 7", got)
	}
}

func TestWorkersStats(t *testing.T) {
	w := New(Config{Size: 3, Queue: 4})
	defer w.Close()

	stats := w.Stats()
	if stats.Workers != 3 {
		t.Errorf("Stats().Workers = %d, want 3", stats.Workers)
	}
}
