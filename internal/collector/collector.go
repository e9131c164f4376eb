// Package collector normalizes, deduplicates and delivers error records.
// Unlike the log buffer, delivery failures here are surfaced to the caller:
// errors are retried and never silently dropped.
package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jmbish04/procwatch/internal/metrics"
	"github.com/jmbish04/procwatch/internal/monitor"
	"github.com/jmbish04/procwatch/internal/retry"
	"github.com/jmbish04/procwatch/internal/transport"
)

const maxNormalizedLen = 500

// Volatile substrings are replaced with stable placeholders so the same
// logical error hashes identically across occurrences. Order matters:
// timestamps before port rewriting, line:col before port.
var (
	reISOTimestamp = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	reEpochMillis  = regexp.MustCompile(`\b\d{13}\b`)
	reCacheBust    = regexp.MustCompile(`\?v=[0-9a-fA-F]+`)
	reLineCol      = regexp.MustCompile(`:\d+:\d+\b`)
	rePort         = regexp.MustCompile(`:\d{4,5}\b`)
	reWhitespace   = regexp.MustCompile(`\s+`)
)

// Normalize rewrites volatile substrings of an error message into stable
// placeholders, collapses whitespace and truncates to 500 characters.
func Normalize(message string) string {
	s := reISOTimestamp.ReplaceAllString(message, "TIMESTAMP")
	s = reEpochMillis.ReplaceAllString(s, "UNIX_TIME")
	s = reCacheBust.ReplaceAllString(s, "?v=HASH")
	s = reLineCol.ReplaceAllString(s, ":LINE:COL")
	s = rePort.ReplaceAllString(s, ":PORT")
	s = strings.TrimSpace(reWhitespace.ReplaceAllString(s, " "))
	if len(s) > maxNormalizedLen {
		cut := maxNormalizedLen
		// Back up to a rune boundary so the cut never leaves a partial
		// UTF-8 sequence at the end.
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

// Hash derives the dedup hash from a normalized message and its level.
func Hash(normalized string, level monitor.Level) string {
	sum := sha256.Sum256([]byte(normalized + "|" + string(level)))
	return hex.EncodeToString(sum[:])
}

// Collector deduplicates errors by (instanceID, errorHash) and ships each
// occurrence through the transport with retries.
type Collector struct {
	mu         sync.Mutex
	records    map[string]*monitor.StoredError // keyed by instanceID + "\x00" + hash
	order      []string                        // insertion order, for eviction
	maxRecords int

	transport transport.Transport
	mctx      monitor.Context
	policy    retry.Policy
	logger    *slog.Logger
}

// New creates a Collector. maxRecords bounds the local dedup index
// (oldest record evicted first); zero means the default of 100.
func New(t transport.Transport, mctx monitor.Context, maxRecords int, logger *slog.Logger) *Collector {
	if maxRecords <= 0 {
		maxRecords = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		records:    make(map[string]*monitor.StoredError),
		maxRecords: maxRecords,
		transport:  t,
		mctx:       mctx,
		policy:     retry.Default(),
		logger:     logger,
	}
}

// SetRetryPolicy overrides the delivery retry policy. Intended for tests
// and embedders; the default is 3 attempts with linear 100ms backoff.
func (c *Collector) SetRetryPolicy(p retry.Policy) { c.policy = p }

// StoreError records one error occurrence. It returns true when a new
// deduplicated record was created, false when an existing record's
// occurrence count was incremented. If delivery to the store ultimately
// fails after retries, the error is returned; occurrences are never
// silently dropped.
func (c *Collector) StoreError(ctx context.Context, instanceID, processID string, se monitor.SimpleError) (bool, error) {
	if se.Timestamp.IsZero() {
		se.Timestamp = time.Now().UTC()
	}
	if se.Level == "" {
		se.Level = monitor.LevelError
	}

	normalized := Normalize(se.Message)
	hash := Hash(normalized, se.Level)
	key := instanceID + "\x00" + hash

	c.mu.Lock()
	rec, ok := c.records[key]
	if ok {
		rec.OccurrenceCount++
		rec.Timestamp = se.Timestamp
		metrics.IncErrorDeduplicated(instanceID)
	} else {
		rec = &monitor.StoredError{
			InstanceID:      instanceID,
			ProcessID:       processID,
			ErrorHash:       hash,
			OccurrenceCount: 1,
			Level:           se.Level,
			Message:         normalized,
			RawOutput:       se.RawOutput,
			Timestamp:       se.Timestamp,
			CreatedAt:       time.Now().UTC(),
		}
		c.records[key] = rec
		c.order = append(c.order, key)
		c.evictLocked()
	}
	snapshot := *rec
	created := !ok
	c.mu.Unlock()

	err := c.policy.Do(ctx, func(ctx context.Context) error {
		rcpt, rerr := c.transport.RecordError(ctx, snapshot, c.mctx)
		if rerr != nil {
			metrics.IncDeliveryRetry("error")
			return rerr
		}
		if rcpt.ID != "" {
			c.mu.Lock()
			if cur, still := c.records[key]; still {
				cur.ID = rcpt.ID
				// The store's count is authoritative across restarts.
				if rcpt.OccurrenceCount > cur.OccurrenceCount {
					cur.OccurrenceCount = rcpt.OccurrenceCount
				}
			}
			c.mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return created, fmt.Errorf("store error for instance %s: %w", instanceID, err)
	}
	metrics.IncErrorStored(instanceID)
	return created, nil
}

// evictLocked drops the oldest records beyond maxRecords. Caller holds mu.
func (c *Collector) evictLocked() {
	for len(c.order) > c.maxRecords {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.records, oldest)
	}
}

// Summary aggregates the locally tracked records for one instance. The
// remote store's summary endpoint is authoritative; this reflects only
// what this collector instance has seen.
func (c *Collector) Summary(instanceID string) monitor.ErrorSummary {
	c.mu.Lock()
	recs := make([]monitor.StoredError, 0, len(c.records))
	prefix := instanceID + "\x00"
	for key, rec := range c.records {
		if strings.HasPrefix(key, prefix) {
			recs = append(recs, *rec)
		}
	}
	c.mu.Unlock()
	return monitor.SummarizeErrors(recs)
}

// Reset forgets the tracked records for one instance, or all records when
// instanceID is empty. Used after a remote clear so recurring errors are
// stored fresh instead of being counted as duplicates of deleted rows.
func (c *Collector) Reset(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if instanceID == "" {
		c.records = make(map[string]*monitor.StoredError)
		c.order = c.order[:0]
		return
	}
	prefix := instanceID + "\x00"
	kept := c.order[:0]
	for _, key := range c.order {
		if strings.HasPrefix(key, prefix) {
			delete(c.records, key)
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept
}

// Len reports the number of deduplicated records currently tracked.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}
