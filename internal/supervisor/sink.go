package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmbish04/procwatch/internal/metrics"
	"github.com/jmbish04/procwatch/internal/monitor"
	"github.com/jmbish04/procwatch/internal/retry"
	"github.com/jmbish04/procwatch/internal/transport"
)

// EventSink is a destination for lifecycle events. Implementations must be
// safe for concurrent use.
type EventSink interface {
	Send(ctx context.Context, e monitor.Event) error
}

// Recorder ships lifecycle events through the transport with the shared
// retry policy. Delivery happens synchronously in the supervisor's state
// machine goroutine so events reach the transport in transition order.
type Recorder struct {
	transport transport.Transport
	mctx      monitor.Context
	policy    retry.Policy
	timeout   time.Duration
}

// NewRecorder creates a transport-backed event sink.
func NewRecorder(t transport.Transport, mctx monitor.Context) *Recorder {
	return &Recorder{
		transport: t,
		mctx:      mctx,
		policy:    retry.Default(),
		timeout:   10 * time.Second,
	}
}

// SetRetryPolicy overrides the delivery retry policy.
func (r *Recorder) SetRetryPolicy(p retry.Policy) { r.policy = p }

func (r *Recorder) Send(ctx context.Context, e monitor.Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.policy.Do(ctx, func(ctx context.Context) error {
		if err := r.transport.RecordEvent(ctx, e, r.mctx); err != nil {
			metrics.IncDeliveryRetry("event")
			return err
		}
		return nil
	})
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(ctx context.Context, e monitor.Event) error

func (f SinkFunc) Send(ctx context.Context, e monitor.Event) error { return f(ctx, e) }

// logSinkFailure is shared by supervisor call sites: a sink failure is
// reported but never blocks or reorders the state machine.
func logSinkFailure(logger *slog.Logger, e monitor.Event, err error) {
	if err == nil {
		return
	}
	logger.Warn("lifecycle event delivery failed",
		"type", string(e.Kind()), "instance", e.EventMeta().InstanceID, "error", err)
}
