package logbuf

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmbish04/procwatch/internal/monitor"
	"github.com/jmbish04/procwatch/internal/retry"
	"github.com/jmbish04/procwatch/internal/transport"
)

// batchRecorder captures delivered batches and can fail deliveries.
type batchRecorder struct {
	*transport.Noop

	mu      sync.Mutex
	batches [][]monitor.LogEntry
	fail    bool
	slow    time.Duration
}

func newBatchRecorder() *batchRecorder {
	return &batchRecorder{Noop: transport.NewNoop(nil)}
}

func (b *batchRecorder) RecordLogBatch(_ context.Context, entries []monitor.LogEntry, _ monitor.Context) error {
	b.mu.Lock()
	fail, slow := b.fail, b.slow
	b.mu.Unlock()
	if slow > 0 {
		time.Sleep(slow)
	}
	if fail {
		return errors.New("transport down")
	}
	cp := make([]monitor.LogEntry, len(entries))
	copy(cp, entries)
	b.mu.Lock()
	b.batches = append(b.batches, cp)
	b.mu.Unlock()
	return nil
}

func (b *batchRecorder) batchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

func (b *batchRecorder) totalEntries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, batch := range b.batches {
		n += len(batch)
	}
	return n
}

func entry(msg string) monitor.LogEntry {
	return monitor.LogEntry{
		InstanceID: "web",
		Stream:     monitor.StreamStdout,
		Level:      monitor.LevelInfo,
		Message:    msg,
	}
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, Backoff: retry.Linear(time.Millisecond)}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestAppendAssignsIncreasingSequences(t *testing.T) {
	rec := newBatchRecorder()
	b := New(rec, monitor.Context{}, "web", Config{FlushInterval: time.Hour}, nil)
	defer b.Close()

	seqs := b.Append(entry("a"), entry("b"), entry("c"))
	if len(seqs) != 3 {
		t.Fatalf("seqs = %v", seqs)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Fatalf("sequences must be strictly increasing: %v", seqs)
		}
	}
	more := b.Append(entry("d"))
	if more[0] != seqs[2]+1 {
		t.Fatalf("sequence must continue across calls: %v then %v", seqs, more)
	}
}

func TestFlushOnBatchSize(t *testing.T) {
	rec := newBatchRecorder()
	b := New(rec, monitor.Context{}, "web", Config{MaxBatchSize: 5, FlushInterval: time.Hour}, nil)
	b.SetRetryPolicy(fastPolicy())
	defer b.Close()

	for i := 0; i < 4; i++ {
		b.Append(entry("under threshold"))
	}
	time.Sleep(20 * time.Millisecond)
	if rec.batchCount() != 0 {
		t.Fatalf("no flush expected below the batch size")
	}

	b.Append(entry("fifth"))
	waitFor(t, time.Second, func() bool { return rec.batchCount() == 1 })
	if rec.totalEntries() != 5 {
		t.Fatalf("flushed entries = %d, want 5", rec.totalEntries())
	}
	if b.Pending() != 0 {
		t.Fatalf("pending = %d after flush", b.Pending())
	}
}

func TestFlushOnInterval(t *testing.T) {
	rec := newBatchRecorder()
	b := New(rec, monitor.Context{}, "web", Config{MaxBatchSize: 200, FlushInterval: 30 * time.Millisecond}, nil)
	b.SetRetryPolicy(fastPolicy())
	defer b.Close()

	b.Append(entry("lonely"))
	waitFor(t, time.Second, func() bool { return rec.batchCount() == 1 })
	if rec.totalEntries() != 1 {
		t.Fatalf("flushed entries = %d, want 1", rec.totalEntries())
	}
}

func TestFailedBatchIsDroppedNotRequeued(t *testing.T) {
	rec := newBatchRecorder()
	rec.fail = true
	b := New(rec, monitor.Context{}, "web", Config{MaxBatchSize: 2, FlushInterval: time.Hour}, nil)
	b.SetRetryPolicy(fastPolicy())
	defer b.Close()

	b.Append(entry("a"), entry("b"))
	waitFor(t, time.Second, func() bool { return b.Pending() == 0 })

	// Transport recovers; only new entries are delivered.
	rec.mu.Lock()
	rec.fail = false
	rec.mu.Unlock()
	b.Append(entry("c"), entry("d"))
	waitFor(t, time.Second, func() bool { return rec.batchCount() == 1 })
	rec.mu.Lock()
	got := rec.batches[0]
	rec.mu.Unlock()
	if len(got) != 2 || got[0].Message != "c" {
		t.Fatalf("dropped batch must not reappear: %+v", got)
	}
}

func TestQueueEvictsOldestWhenFull(t *testing.T) {
	rec := newBatchRecorder()
	b := New(rec, monitor.Context{}, "web", Config{MaxBatchSize: 100, FlushInterval: time.Hour, MaxPending: 3}, nil)
	defer b.Close()

	b.Append(entry("one"), entry("two"), entry("three"), entry("four"))
	if got := b.Pending(); got != 3 {
		t.Fatalf("pending = %d, want bound 3", got)
	}
}

func TestFlushMutualExclusion(t *testing.T) {
	rec := newBatchRecorder()
	rec.slow = 50 * time.Millisecond
	b := New(rec, monitor.Context{}, "web", Config{MaxBatchSize: 100, FlushInterval: time.Hour}, nil)
	b.SetRetryPolicy(fastPolicy())
	defer b.Close()

	b.Append(entry("a"), entry("b"))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Flush(context.Background())
		}()
	}
	wg.Wait()
	waitFor(t, time.Second, func() bool { return b.Pending() == 0 })
	if rec.batchCount() != 1 {
		t.Fatalf("concurrent flushes must coalesce into one batch, got %d", rec.batchCount())
	}
}

func TestCloseDrains(t *testing.T) {
	rec := newBatchRecorder()
	b := New(rec, monitor.Context{}, "web", Config{MaxBatchSize: 100, FlushInterval: time.Hour}, nil)
	b.SetRetryPolicy(fastPolicy())

	b.Append(entry("a"), entry("b"), entry("c"))
	b.Close()
	if rec.totalEntries() != 3 {
		t.Fatalf("Close should drain the queue, delivered %d", rec.totalEntries())
	}
	if got := b.Append(entry("late")); got != nil {
		t.Fatalf("Append after Close must be rejected, got %v", got)
	}
}

func TestCloseIdempotent(t *testing.T) {
	rec := newBatchRecorder()
	b := New(rec, monitor.Context{}, "web", Config{FlushInterval: time.Hour}, nil)
	b.Close()
	b.Close()
}
