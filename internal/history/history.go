package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of run event.
type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventSkipped   EventType = "skipped"
	EventShutdown  EventType = "shutdown"
	// EventCheck is written by "hotbackup history check" to verify a sink.
	EventCheck EventType = "check"
)

// Kind names the operation a run belongs to.
type Kind string

const (
	KindBackup Kind = "backup"
	KindWatch  Kind = "watch"
)

// Run describes one backup or watch run as seen at the time of the event.
type Run struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	Container string `json:"container"`
	Archive   string `json:"archive,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
	// DurationMS is zero for started events.
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Event represents a run event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Run        Run       `json:"run"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// NewRunID returns a fresh identifier shared by all events of one run.
func NewRunID() string { return uuid.NewString() }

// Recorder fans events out to sinks. Sink failures are logged and never
// returned: history is advisory and must not fail a backup. A nil *Recorder
// records nothing.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
}

// NewRecorder bounds each Send by timeout (no bound when zero).
func NewRecorder(timeout time.Duration, sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks, timeout: timeout}
}

func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range r.sinks {
		sctx := ctx
		var cancel context.CancelFunc
		if r.timeout > 0 {
			sctx, cancel = context.WithTimeout(ctx, r.timeout)
		}
		if err := s.Send(sctx, e); err != nil {
			slog.Warn("Failed to record history event", "type", e.Type, "run", e.Run.ID, "error", err)
		}
		if cancel != nil {
			cancel()
		}
	}
}

// Close closes every sink that holds resources.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
