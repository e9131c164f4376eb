// Package logbuf accumulates captured log lines and flushes them to the
// transport in batches. Delivery is deliberately best-effort: a batch that
// still fails after retries is logged and discarded, never requeued, so a
// degraded transport cannot grow retry storms or unbounded memory.
package logbuf

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmbish04/procwatch/internal/metrics"
	"github.com/jmbish04/procwatch/internal/monitor"
	"github.com/jmbish04/procwatch/internal/retry"
	"github.com/jmbish04/procwatch/internal/transport"
)

// Defaults for the flush policy.
const (
	DefaultMaxBatchSize  = 200
	DefaultFlushInterval = time.Second
	DefaultMaxPending    = 10000
)

// Config tunes the flush scheduler.
type Config struct {
	// MaxBatchSize triggers an immediate flush when the queue reaches it,
	// and caps how many entries one flush submits.
	MaxBatchSize int
	// FlushInterval is how often a non-empty queue is flushed regardless
	// of size.
	FlushInterval time.Duration
	// MaxPending bounds the queue. When full, the oldest entries are
	// evicted to make room (counted as queue_overflow drops).
	MaxPending int
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
	return c
}

// Buffer queues log entries and flushes them on size or time thresholds.
// Append never blocks on delivery. At most one flush is in flight at a
// time; a flush requested while one runs is a no-op and relies on the
// running flush to reschedule if the queue is still non-empty.
type Buffer struct {
	cfg      Config
	instance string

	mu     sync.Mutex
	queue  []monitor.LogEntry
	seq    uint64
	closed bool

	inFlight atomic.Bool

	transport transport.Transport
	mctx      monitor.Context
	policy    retry.Policy
	logger    *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Buffer and starts its flush timer.
func New(t transport.Transport, mctx monitor.Context, instance string, cfg Config, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Buffer{
		cfg:       cfg.withDefaults(),
		instance:  instance,
		transport: t,
		mctx:      mctx,
		policy:    retry.Default(),
		logger:    logger,
		done:      make(chan struct{}),
	}
	b.wg.Add(1)
	go b.runTimer()
	return b
}

// SetRetryPolicy overrides the batch delivery retry policy.
func (b *Buffer) SetRetryPolicy(p retry.Policy) { b.policy = p }

// Append enqueues entries, assigning each a strictly increasing sequence
// number, and returns the assigned sequences. It never blocks on delivery.
// When the queue is full the oldest entries are evicted.
func (b *Buffer) Append(entries ...monitor.LogEntry) []uint64 {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	seqs := make([]uint64, len(entries))
	for i := range entries {
		b.seq++
		entries[i].Sequence = b.seq
		if entries[i].Timestamp.IsZero() {
			entries[i].Timestamp = now
		}
		seqs[i] = b.seq
	}
	b.queue = append(b.queue, entries...)
	evicted := 0
	if over := len(b.queue) - b.cfg.MaxPending; over > 0 {
		b.queue = b.queue[over:]
		evicted = over
	}
	depth := len(b.queue)
	trigger := depth >= b.cfg.MaxBatchSize
	b.mu.Unlock()

	metrics.SetQueueDepth(b.instance, depth)
	if evicted > 0 {
		metrics.IncEntriesEvicted(b.instance, evicted)
		b.logger.Warn("log queue full, evicted oldest entries",
			"instance", b.instance, "evicted", evicted, "cap", b.cfg.MaxPending)
	}
	if trigger {
		go b.Flush(context.Background())
	}
	return seqs
}

// Flush submits up to one batch. If a flush is already in flight it
// returns immediately; mutual exclusion is the inFlight guard, the only
// concurrency-control primitive in this package.
func (b *Buffer) Flush(ctx context.Context) {
	if !b.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer b.inFlight.Store(false)

	b.flushOne(ctx)

	// Reschedule while work remains so a burst larger than one batch
	// drains without waiting for the timer.
	b.mu.Lock()
	remaining := len(b.queue)
	closed := b.closed
	b.mu.Unlock()
	if remaining >= b.cfg.MaxBatchSize && !closed {
		go b.Flush(context.Background())
	}
}

// flushOne pops and delivers one batch. Caller must hold the inFlight guard.
func (b *Buffer) flushOne(ctx context.Context) {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}
	n := len(b.queue)
	if n > b.cfg.MaxBatchSize {
		n = b.cfg.MaxBatchSize
	}
	batch := make([]monitor.LogEntry, n)
	copy(batch, b.queue[:n])
	b.queue = b.queue[n:]
	depth := len(b.queue)
	b.mu.Unlock()
	metrics.SetQueueDepth(b.instance, depth)

	err := b.policy.Do(ctx, func(ctx context.Context) error {
		if derr := b.transport.RecordLogBatch(ctx, batch, b.mctx); derr != nil {
			metrics.IncDeliveryRetry("log_batch")
			return derr
		}
		return nil
	})
	if err != nil {
		// Best-effort path: drop the batch rather than requeue it.
		metrics.IncBatchDropped(b.instance, len(batch))
		b.logger.Warn("log batch delivery failed, dropping batch",
			"instance", b.instance, "entries", len(batch), "error", err)
		return
	}
	metrics.IncBatchFlushed(b.instance, len(batch))
}

// Pending reports the current queue depth.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close stops the flush timer and performs a final best-effort drain. The
// drain attempt is guaranteed on every exit path; its success is not.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		b.mu.Lock()
		empty := len(b.queue) == 0
		before := len(b.queue)
		b.mu.Unlock()
		if empty || ctx.Err() != nil {
			return
		}
		if !b.inFlight.CompareAndSwap(false, true) {
			// A late flush is still finishing; give it a moment.
			time.Sleep(10 * time.Millisecond)
			continue
		}
		b.flushOne(ctx)
		b.inFlight.Store(false)
		b.mu.Lock()
		after := len(b.queue)
		b.mu.Unlock()
		if after >= before {
			// Delivery failed and the batch was dropped, or no progress;
			// stop trying.
			return
		}
	}
}

func (b *Buffer) runTimer() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if b.Pending() > 0 {
				b.Flush(context.Background())
			}
		case <-b.done:
			return
		}
	}
}
