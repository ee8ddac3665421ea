package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-keygate/v1/lockid"
	"github.com/mirkobrombin/go-keygate/v1/metrics"
	"github.com/mirkobrombin/go-keygate/v1/notify"
	"github.com/mirkobrombin/go-keygate/v1/pool"
	"github.com/mirkobrombin/go-keygate/v1/retry"
	"github.com/mirkobrombin/go-keygate/v1/stats"
	"github.com/mirkobrombin/go-keygate/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-keygate/v1/broker")

// Broker hands out exclusive, time-bounded locks on resource classes
// together with a credential from the pool. The shared store's atomic
// SetNX is the sole cross-process exclusion mechanism; the broker keeps
// a local registry of locks it owns for release validation and
// reporting. Store round-trips always happen outside the registry
// mutex.
type Broker struct {
	store      store.Store
	pool       *pool.Pool
	prefix     string
	defaultTTL time.Duration
	maxTTL     time.Duration
	policy     retry.Policy
	recorder   *stats.Recorder
	bus        notify.Bus

	mu       sync.Mutex
	registry map[string]*LockRecord

	startedAt time.Time
	now       func() time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithPrefix sets the shared-store key namespace (default "keygate").
func WithPrefix(prefix string) Option {
	return func(b *Broker) { b.prefix = prefix }
}

// WithDefaultTTL sets the lock duration used when the caller requests
// none (default 5 minutes).
func WithDefaultTTL(d time.Duration) Option {
	return func(b *Broker) { b.defaultTTL = d }
}

// WithMaxTTL sets the ceiling the server clamps requested durations to
// (default 30 minutes).
func WithMaxTTL(d time.Duration) Option {
	return func(b *Broker) { b.maxTTL = d }
}

// WithRetryPolicy sets the acquisition retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(b *Broker) { b.policy = p }
}

// WithRecorder sets the stats recorder.
func WithRecorder(r *stats.Recorder) Option {
	return func(b *Broker) { b.recorder = r }
}

// WithBus sets the lifecycle event bus.
func WithBus(bus notify.Bus) Option {
	return func(b *Broker) { b.bus = bus }
}

// New returns a new Broker using the provided store and credential pool.
func New(s store.Store, p *pool.Pool, opts ...Option) *Broker {
	b := &Broker{
		store:      s,
		pool:       p,
		prefix:     "keygate",
		defaultTTL: 5 * time.Minute,
		maxTTL:     30 * time.Minute,
		policy:     retry.DefaultPolicy(),
		registry:   make(map[string]*LockRecord),
		startedAt:  time.Now(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.recorder == nil {
		b.recorder = stats.NewRecorder(nil, stats.Disabled())
	}
	if b.bus == nil {
		b.bus = notify.NewInMemoryBus()
	}
	return b
}

func (b *Broker) lockKey(id string) string {
	return b.prefix + ":lock:" + id
}

// clamp bounds the requested duration to (0, maxTTL].
func (b *Broker) clamp(d time.Duration) time.Duration {
	if d <= 0 {
		d = b.defaultTTL
	}
	if d > b.maxTTL {
		d = b.maxTTL
	}
	return d
}

// Acquire obtains an exclusive lock on the resource class for requester
// and assigns a credential for it. The requested duration is clamped to
// the configured maximum. Acquisition attempts are retried with bounded
// exponential backoff; the final failure is returned as an
// *AcquisitionError.
func (b *Broker) Acquire(ctx context.Context, requester, resource string, duration time.Duration, requestID string, lockCtx map[string]string) (*LockRecord, error) {
	ctx, span := tracer.Start(ctx, "Broker.Acquire", trace.WithAttributes(
		attribute.String("keygate.requester", requester),
		attribute.String("keygate.resource", resource),
	))
	defer span.End()

	start := b.now()
	ttl := b.clamp(duration)

	var rec *LockRecord
	err := b.policy.Do(ctx, func(ctx context.Context) error {
		r, err := b.acquireOnce(ctx, requester, resource, ttl, requestID, lockCtx)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	elapsed := b.now().Sub(start)
	metrics.AcquireDuration.Observe(elapsed.Seconds())

	if err != nil {
		metrics.AcquireFailedCounter.Inc()
		aerr := asAcquisitionError(err, ttl)
		b.recorder.RecordOperation(stats.OperationEvent{
			LockID:     "unknown",
			Operation:  "acquire",
			DurationMS: float64(elapsed.Microseconds()) / 1000,
			Success:    false,
			Error:      aerr.Reason,
		})
		slog.Error("keygate: lock acquisition failed",
			"requester", requester, "resource", resource, "error", err)
		return nil, aerr
	}

	metrics.AcquireCounter.Inc()
	b.recorder.RecordOperation(stats.OperationEvent{
		LockID:     rec.LockID,
		Operation:  "acquire",
		DurationMS: float64(elapsed.Microseconds()) / 1000,
		Success:    true,
	})
	_ = b.bus.Publish(ctx, notify.SubjectAcquired+resource)
	slog.Info("keygate: lock acquired",
		"lock_id", rec.LockID,
		"requester", requester,
		"resource", resource,
		"credential", pool.Mask(rec.Credential),
		"expires_at", rec.ExpiresAt)
	return rec, nil
}

// acquireOnce is a single attempt at the exclusive primitive. On SetNX
// success it must not leave a shared-store entry without a matching
// registry record: if credential assignment fails afterwards the store
// key is deleted best-effort before the error is returned.
func (b *Broker) acquireOnce(ctx context.Context, requester, resource string, ttl time.Duration, requestID string, lockCtx map[string]string) (*LockRecord, error) {
	id := lockid.New(requester, resource, lockCtx)
	token, err := lockid.Token()
	if err != nil {
		return nil, &AcquisitionError{Reason: "token generation failed", err: err}
	}
	key := b.lockKey(id)

	ok, err := b.store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, &AcquisitionError{Reason: "store unreachable", err: err}
	}
	if !ok {
		return nil, ErrContended
	}

	cred, err := b.pool.Assign(id)
	if err != nil {
		// Compensate so the lock does not leak until its TTL expires.
		if _, derr := b.store.Del(ctx, key); derr != nil {
			slog.Warn("keygate: failed to roll back orphaned lock key",
				"lock_id", id, "error", derr)
		}
		return nil, &AcquisitionError{Reason: "no credential available", err: err}
	}

	now := b.now()
	rec := &LockRecord{
		LockID:     id,
		Credential: cred,
		Requester:  requester,
		Resource:   resource,
		RequestID:  requestID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		Status:     StatusAcquired,
	}

	// Copy while still holding the mutex: once the pointer is in the
	// registry, ForceRelease and CleanupExpired may mutate it.
	b.mu.Lock()
	b.registry[id] = rec
	metrics.ActiveLocksGauge.Set(float64(len(b.registry)))
	out := *rec
	b.mu.Unlock()

	return &out, nil
}

// asAcquisitionError normalizes a final attempt error. Contention gets
// an advisory retry-after of the clamped TTL, the worst case hold time
// of the current owner.
func asAcquisitionError(err error, ttl time.Duration) *AcquisitionError {
	var aerr *AcquisitionError
	if errors.As(err, &aerr) {
		return aerr
	}
	if errors.Is(err, ErrContended) {
		return &AcquisitionError{Reason: "resource contended", RetryAfter: ttl, err: err}
	}
	return &AcquisitionError{Reason: "acquisition aborted", err: err}
}

// Release returns the lock identified by lockID. It is idempotent:
// releasing an unknown or already-released lock returns false with no
// error. A store failure during the delete does not undo the local
// release (the store key expires on its own TTL); it is reported as a
// *ReleaseError alongside released=true. Usage telemetry, when present,
// is forwarded fire-and-forget.
func (b *Broker) Release(ctx context.Context, lockID, requester string, usage map[string]any) (bool, error) {
	ctx, span := tracer.Start(ctx, "Broker.Release", trace.WithAttributes(
		attribute.String("keygate.lock_id", lockID),
		attribute.String("keygate.requester", requester),
	))
	defer span.End()

	start := b.now()

	b.mu.Lock()
	rec, ok := b.registry[lockID]
	if !ok {
		b.mu.Unlock()
		slog.Warn("keygate: release of unknown lock", "lock_id", lockID, "requester", requester)
		return false, nil
	}
	delete(b.registry, lockID)
	rec.Status = StatusReleased
	metrics.ActiveLocksGauge.Set(float64(len(b.registry)))
	b.mu.Unlock()

	deleted, derr := b.store.Del(ctx, b.lockKey(lockID))
	var relErr error
	if derr != nil {
		// Deletion is an optimization; the TTL already bounds the lock's
		// lifetime. Report the store failure but keep the release.
		relErr = &ReleaseError{Reason: "store unreachable", err: derr}
		slog.Warn("keygate: store delete failed during release",
			"lock_id", lockID, "error", derr)
	}

	if usage != nil {
		b.recorder.RecordUsage(stats.UsageEvent{
			LockID:          lockID,
			Requester:       requester,
			Credential:      pool.Mask(rec.Credential),
			DurationSeconds: b.now().Sub(rec.AcquiredAt).Seconds(),
			Fields:          usage,
		})
	}
	b.recorder.RecordOperation(stats.OperationEvent{
		LockID:     lockID,
		Operation:  "release",
		DurationMS: float64(b.now().Sub(start).Microseconds()) / 1000,
		Success:    derr == nil && deleted,
	})
	metrics.ReleaseCounter.Inc()
	_ = b.bus.Publish(ctx, notify.SubjectReleased+rec.Resource)
	slog.Info("keygate: lock released",
		"lock_id", lockID, "requester", requester, "store_deleted", deleted)
	return true, relErr
}

// ForceRelease removes a lock without requester-identity checks. It
// returns false if the lock id is unknown to this process.
func (b *Broker) ForceRelease(ctx context.Context, lockID, reason string) bool {
	b.mu.Lock()
	rec, ok := b.registry[lockID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.registry, lockID)
	rec.Status = StatusReleased
	metrics.ActiveLocksGauge.Set(float64(len(b.registry)))
	b.mu.Unlock()

	if _, err := b.store.Del(ctx, b.lockKey(lockID)); err != nil {
		slog.Warn("keygate: store delete failed during force release",
			"lock_id", lockID, "error", err)
	}
	metrics.ForceReleaseCounter.Inc()
	_ = b.bus.Publish(ctx, notify.SubjectReleased+rec.Resource)
	slog.Warn("keygate: lock force released", "lock_id", lockID, "reason", reason)
	return true
}

// ActiveLocks returns a point-in-time copy of all locks this process
// believes it owns.
func (b *Broker) ActiveLocks() []LockRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]LockRecord, 0, len(b.registry))
	for _, rec := range b.registry {
		out = append(out, *rec)
	}
	return out
}

// CleanupExpired removes every registry record whose expiry has passed
// and returns how many were removed. The shared-store entries are left
// alone; they self-expire there.
func (b *Broker) CleanupExpired() int {
	now := b.now()

	b.mu.Lock()
	var expired []*LockRecord
	for id, rec := range b.registry {
		if rec.ExpiredAt(now) {
			delete(b.registry, id)
			rec.Status = StatusExpired
			expired = append(expired, rec)
		}
	}
	metrics.ActiveLocksGauge.Set(float64(len(b.registry)))
	b.mu.Unlock()

	for _, rec := range expired {
		metrics.ExpiredCounter.Inc()
		_ = b.bus.Publish(context.Background(), notify.SubjectExpired+rec.Resource)
		slog.Info("keygate: cleaned up expired lock",
			"lock_id", rec.LockID, "requester", rec.Requester, "expired_at", rec.ExpiresAt)
	}
	return len(expired)
}

// Health reports broker health for the surrounding transport layer.
type Health struct {
	StoreReachable  bool    `json:"store_reachable"`
	ActiveLockCount int     `json:"active_lock_count"`
	PoolSize        int     `json:"pool_size"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// Health returns the current health snapshot. Store connectivity loss is
// reported here as degraded rather than crashing the process.
func (b *Broker) Health(ctx context.Context) Health {
	reachable := b.store.Ping(ctx) == nil

	b.mu.Lock()
	active := len(b.registry)
	b.mu.Unlock()

	return Health{
		StoreReachable:  reachable,
		ActiveLockCount: active,
		PoolSize:        b.pool.Size(),
		UptimeSeconds:   time.Since(b.startedAt).Seconds(),
	}
}
