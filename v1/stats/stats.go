// Package stats records acquisition, release and usage telemetry as
// append-only events in the shared store or a Kafka topic. Recording is
// fire-and-forget: events are handed to a bounded queue drained by a
// single worker, failures are logged and swallowed, and a disabled
// recorder costs nothing. Telemetry must never fail or slow down the
// caller-facing acquire/release path.
package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// OperationEvent describes a single acquire/release attempt.
type OperationEvent struct {
	LockID     string    `json:"lock_id"`
	Operation  string    `json:"operation"`
	DurationMS float64   `json:"duration_ms"`
	Success    bool      `json:"success"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
}

// UsageEvent describes what a caller did with a credential while it held
// the lock. Fields carries caller-supplied values verbatim.
type UsageEvent struct {
	LockID          string         `json:"lock_id"`
	Requester       string         `json:"requester"`
	Credential      string         `json:"credential"` // masked by the caller
	DurationSeconds float64        `json:"duration_seconds"`
	Timestamp       time.Time      `json:"timestamp"`
	Fields          map[string]any `json:"fields,omitempty"`
}

// Sink persists one encoded event under the given key.
type Sink interface {
	Append(ctx context.Context, key string, payload []byte, retention time.Duration) error
}

type job struct {
	key     string
	payload []byte
}

// Recorder queues events and writes them through a Sink.
type Recorder struct {
	sink      Sink
	prefix    string
	retention time.Duration
	enabled   bool

	mu     sync.RWMutex
	closed bool
	queue  chan job
	done   chan struct{}
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithPrefix sets the key namespace (default "keygate").
func WithPrefix(prefix string) Option {
	return func(r *Recorder) { r.prefix = prefix }
}

// WithRetention sets how long appended events are kept (default 30 days).
func WithRetention(d time.Duration) Option {
	return func(r *Recorder) { r.retention = d }
}

// WithQueueSize sets the pending-event buffer (default 256).
func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan job, n)
		}
	}
}

// Disabled turns the recorder into a no-op.
func Disabled() Option {
	return func(r *Recorder) { r.enabled = false }
}

// NewRecorder returns a Recorder writing through sink and starts its
// worker. Call Close to drain pending events on shutdown.
func NewRecorder(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:      sink,
		prefix:    "keygate",
		retention: 30 * 24 * time.Hour,
		enabled:   true,
		queue:     make(chan job, 256),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if !r.enabled || r.sink == nil {
		r.enabled = false
		close(r.done)
		return r
	}
	go r.run()
	return r
}

// Enabled reports whether the recorder is active.
func (r *Recorder) Enabled() bool {
	return r.enabled
}

// RecordOperation queues an operation event. It never blocks; when the
// queue is full the event is dropped.
func (r *Recorder) RecordOperation(ev OperationEvent) {
	if !r.enabled {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	r.enqueue(r.prefix+":stats:"+ev.Operation, ev)
}

// RecordUsage queues a usage event keyed by the requesting service.
func (r *Recorder) RecordUsage(ev UsageEvent) {
	if !r.enabled {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	r.enqueue(r.prefix+":stats:usage:"+ev.Requester, ev)
}

func (r *Recorder) enqueue(key string, ev any) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("keygate: failed to encode stat event", "key", key, "error", err)
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- job{key: key, payload: payload}:
	default:
		slog.Warn("keygate: stats queue full, dropping event", "key", key)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for j := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.sink.Append(ctx, j.key, j.payload, r.retention); err != nil {
			slog.Warn("keygate: failed to record stat event", "key", j.key, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits for the queue to drain.
func (r *Recorder) Close() {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}
