package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jmbish04/procwatch/internal/monitor"
	"github.com/jmbish04/procwatch/internal/retry"
	"github.com/jmbish04/procwatch/internal/transport"
)

// recordingTransport counts error writes and can be made to fail a number
// of times before succeeding.
type recordingTransport struct {
	*transport.Noop

	mu       sync.Mutex
	writes   []monitor.StoredError
	failures int
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{Noop: transport.NewNoop(nil)}
}

func (r *recordingTransport) RecordError(_ context.Context, rec monitor.StoredError, _ monitor.Context) (transport.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return transport.Receipt{}, errors.New("store unavailable")
	}
	r.writes = append(r.writes, rec)
	return transport.Receipt{ID: "row-" + rec.ErrorHash[:8], OccurrenceCount: rec.OccurrenceCount}, nil
}

func (r *recordingTransport) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, Backoff: retry.Linear(time.Millisecond)}
}

func TestNormalizeVolatileParts(t *testing.T) {
	cases := []struct{ in, want string }{
		{
			"error at 2025-03-01T12:00:00.123Z connection refused",
			"error at TIMESTAMP connection refused",
		},
		{
			"request 1724961600000 failed",
			"request UNIX_TIME failed",
		},
		{
			"GET /app.js?v=deadbeef404 failed",
			"GET /app.js?v=HASH failed",
		},
		{
			"at server.js:120:15 in handler",
			"at server.js:LINE:COL in handler",
		},
		{
			"dial tcp 127.0.0.1:8787 refused",
			"dial tcp 127.0.0.1:PORT refused",
		},
		{
			"too   much\n\twhitespace",
			"too much whitespace",
		},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeEquivalentMessagesShareHash(t *testing.T) {
	a := "failed at 2025-03-01T10:00:00Z on 10.0.0.1:8080"
	b := "failed at 2025-03-02T23:59:59Z on 10.0.0.1:9090"
	na, nb := Normalize(a), Normalize(b)
	if na != nb {
		t.Fatalf("normalized forms differ: %q vs %q", na, nb)
	}
	if Hash(na, monitor.LevelError) != Hash(nb, monitor.LevelError) {
		t.Fatalf("equivalent messages must hash identically")
	}
}

func TestHashLevelSensitive(t *testing.T) {
	n := Normalize("same message")
	if Hash(n, monitor.LevelError) == Hash(n, monitor.LevelWarn) {
		t.Fatalf("same message at different levels must hash differently")
	}
}

func TestNormalizeTruncates(t *testing.T) {
	long := strings.Repeat("x", 600)
	if got := Normalize(long); len(got) != 500 {
		t.Fatalf("normalized length = %d, want 500", len(got))
	}
}

func TestNormalizeTruncatesOnRuneBoundary(t *testing.T) {
	// A three-byte rune intersects the 500-byte limit at byte 499.
	long := strings.Repeat("x", 499) + strings.Repeat("世", 40)
	got := Normalize(long)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation produced invalid UTF-8: %q", got[len(got)-4:])
	}
	if len(got) != 499 {
		t.Fatalf("normalized length = %d, want 499", len(got))
	}
	if !strings.HasSuffix(got, "x") {
		t.Fatalf("partial rune survived truncation: %q", got[len(got)-4:])
	}
}

func TestStoreErrorDeduplicates(t *testing.T) {
	rt := newRecordingTransport()
	c := New(rt, monitor.Context{}, 0, nil)
	c.SetRetryPolicy(fastPolicy())
	ctx := context.Background()

	se := monitor.SimpleError{Level: monitor.LevelError, Message: "db connection lost at 2025-03-01T10:00:00Z"}
	created, err := c.StoreError(ctx, "web", "web-1", se)
	if err != nil || !created {
		t.Fatalf("first occurrence: created=%v err=%v", created, err)
	}

	se2 := monitor.SimpleError{Level: monitor.LevelError, Message: "db connection lost at 2025-03-01T11:30:00Z"}
	created, err = c.StoreError(ctx, "web", "web-1", se2)
	if err != nil {
		t.Fatalf("second occurrence: %v", err)
	}
	if created {
		t.Fatalf("equivalent message should deduplicate, not create")
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
	// Both occurrences still reach the transport.
	if rt.writeCount() != 2 {
		t.Fatalf("transport writes = %d, want 2", rt.writeCount())
	}
	rt.mu.Lock()
	last := rt.writes[len(rt.writes)-1]
	rt.mu.Unlock()
	if last.OccurrenceCount != 2 {
		t.Fatalf("second write occurrenceCount = %d, want 2", last.OccurrenceCount)
	}
}

func TestStoreErrorPerInstanceScope(t *testing.T) {
	rt := newRecordingTransport()
	c := New(rt, monitor.Context{}, 0, nil)
	c.SetRetryPolicy(fastPolicy())
	ctx := context.Background()

	se := monitor.SimpleError{Level: monitor.LevelError, Message: "same failure"}
	if created, _ := c.StoreError(ctx, "web", "p1", se); !created {
		t.Fatalf("instance web should create")
	}
	if created, _ := c.StoreError(ctx, "worker", "p2", se); !created {
		t.Fatalf("same hash under another instance should create its own record")
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
}

func TestStoreErrorRetriesThenSucceeds(t *testing.T) {
	rt := newRecordingTransport()
	rt.failures = 2
	c := New(rt, monitor.Context{}, 0, nil)
	c.SetRetryPolicy(fastPolicy())

	created, err := c.StoreError(context.Background(), "web", "p1", monitor.SimpleError{
		Level: monitor.LevelError, Message: "flaky delivery",
	})
	if err != nil {
		t.Fatalf("delivery should succeed on the third attempt: %v", err)
	}
	if !created {
		t.Fatalf("record should be created")
	}
	if rt.writeCount() != 1 {
		t.Fatalf("writes = %d, want 1", rt.writeCount())
	}
}

func TestStoreErrorSurfacesFinalFailure(t *testing.T) {
	rt := newRecordingTransport()
	rt.failures = 100
	c := New(rt, monitor.Context{}, 0, nil)
	c.SetRetryPolicy(fastPolicy())

	_, err := c.StoreError(context.Background(), "web", "p1", monitor.SimpleError{
		Level: monitor.LevelError, Message: "dead store",
	})
	if err == nil {
		t.Fatalf("exhausted retries must surface an error")
	}
}

func TestEvictionBound(t *testing.T) {
	rt := newRecordingTransport()
	c := New(rt, monitor.Context{}, 5, nil)
	c.SetRetryPolicy(fastPolicy())
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, _ = c.StoreError(ctx, "web", "p1", monitor.SimpleError{
			Level: monitor.LevelError, Message: fmt.Sprintf("distinct failure %d", i),
		})
	}
	if c.Len() != 5 {
		t.Fatalf("Len = %d, want bound 5", c.Len())
	}
	// An evicted record comes back as a fresh creation.
	created, err := c.StoreError(ctx, "web", "p1", monitor.SimpleError{
		Level: monitor.LevelError, Message: "distinct failure 0",
	})
	if err != nil || !created {
		t.Fatalf("evicted record should be recreated: created=%v err=%v", created, err)
	}
}

func TestReset(t *testing.T) {
	rt := newRecordingTransport()
	c := New(rt, monitor.Context{}, 0, nil)
	c.SetRetryPolicy(fastPolicy())
	ctx := context.Background()

	_, _ = c.StoreError(ctx, "web", "p1", monitor.SimpleError{Level: monitor.LevelError, Message: "a"})
	_, _ = c.StoreError(ctx, "worker", "p2", monitor.SimpleError{Level: monitor.LevelError, Message: "b"})

	c.Reset("web")
	if c.Len() != 1 {
		t.Fatalf("Len after instance reset = %d, want 1", c.Len())
	}
	created, _ := c.StoreError(ctx, "web", "p1", monitor.SimpleError{Level: monitor.LevelError, Message: "a"})
	if !created {
		t.Fatalf("record should be recreated after reset")
	}

	c.Reset("")
	if c.Len() != 0 {
		t.Fatalf("Len after full reset = %d, want 0", c.Len())
	}
}

func TestSummaryLocal(t *testing.T) {
	rt := newRecordingTransport()
	c := New(rt, monitor.Context{}, 0, nil)
	c.SetRetryPolicy(fastPolicy())
	ctx := context.Background()

	_, _ = c.StoreError(ctx, "web", "p1", monitor.SimpleError{Level: monitor.LevelError, Message: "x"})
	_, _ = c.StoreError(ctx, "web", "p1", monitor.SimpleError{Level: monitor.LevelError, Message: "x"})
	_, _ = c.StoreError(ctx, "web", "p1", monitor.SimpleError{Level: monitor.LevelFatal, Message: "y"})
	_, _ = c.StoreError(ctx, "other", "p2", monitor.SimpleError{Level: monitor.LevelError, Message: "z"})

	s := c.Summary("web")
	if s.TotalErrors != 3 || s.UniqueErrors != 2 || s.RepeatedErrors != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if s.ErrorsByLevel[monitor.LevelError] != 2 || s.ErrorsByLevel[monitor.LevelFatal] != 1 {
		t.Fatalf("by level = %v", s.ErrorsByLevel)
	}
}
