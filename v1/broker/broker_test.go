package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mirkobrombin/go-keygate/v1/notify"
	"github.com/mirkobrombin/go-keygate/v1/pool"
	"github.com/mirkobrombin/go-keygate/v1/retry"
	"github.com/mirkobrombin/go-keygate/v1/stats"
	"github.com/mirkobrombin/go-keygate/v1/store"
)

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Millisecond,
	}
}

func newTestBroker(t *testing.T, opts ...Option) (*Broker, *store.InMemory) {
	t.Helper()
	mem := store.NewInMemory()
	p, err := pool.New([]string{"k1", "k2", "k3"})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	base := []Option{WithRetryPolicy(fastPolicy(1))}
	b := New(mem, p, append(base, opts...)...)
	return b, mem
}

func TestAcquireBuildsRecord(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	rec, err := b.Acquire(ctx, "labeling-service", "api", 300*time.Second, "r1", map[string]string{"dimension": "tone"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if rec.Status != StatusAcquired {
		t.Fatalf("status: %s", rec.Status)
	}
	if rec.Credential == "" {
		t.Fatal("credential must come from the pool")
	}
	if got := rec.ExpiresAt.Sub(rec.AcquiredAt); got != 300*time.Second {
		t.Fatalf("expires-acquired = %v, want 300s", got)
	}
	if rec.RequestID != "r1" || rec.Requester != "labeling-service" || rec.Resource != "api" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if len(b.ActiveLocks()) != 1 {
		t.Fatalf("expected 1 active lock, got %d", len(b.ActiveLocks()))
	}
}

func TestAcquireClampsRequestedDuration(t *testing.T) {
	b, _ := newTestBroker(t, WithMaxTTL(1800*time.Second))
	ctx := context.Background()

	rec, err := b.Acquire(ctx, "svc", "api", 999999*time.Second, "r1", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := rec.ExpiresAt.Sub(rec.AcquiredAt); got != 1800*time.Second {
		t.Fatalf("expires-acquired = %v, want clamped 1800s", got)
	}
}

func TestAcquireDefaultsDuration(t *testing.T) {
	b, _ := newTestBroker(t, WithDefaultTTL(2*time.Minute))
	ctx := context.Background()

	rec, err := b.Acquire(ctx, "svc", "api", 0, "r1", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := rec.ExpiresAt.Sub(rec.AcquiredAt); got != 2*time.Minute {
		t.Fatalf("expires-acquired = %v, want default 2m", got)
	}
}

func TestAcquireIdenticalInputsDoNotCollide(t *testing.T) {
	mem := store.NewInMemory()
	p, err := pool.New([]string{"k1"})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	b := New(mem, p, WithRetryPolicy(fastPolicy(1)))
	ctx := context.Background()

	first, err := b.Acquire(ctx, "a", "x", 300*time.Second, "r1", nil)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	second, err := b.Acquire(ctx, "a", "x", 300*time.Second, "r1", nil)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if first.LockID == second.LockID {
		t.Fatalf("lock ids must differ, both %q", first.LockID)
	}
	if first.Credential != "k1" || second.Credential != "k1" {
		t.Fatalf("expected pool member k1, got %q and %q", first.Credential, second.Credential)
	}
}

// contendedStore reports the key as held for the first n SetNX calls.
type contendedStore struct {
	*store.InMemory
	remaining int
	calls     int
}

func (c *contendedStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.calls++
	if c.remaining > 0 {
		c.remaining--
		return false, nil
	}
	return c.InMemory.SetNX(ctx, key, value, ttl)
}

func TestAcquireRetriesContentionThenSucceeds(t *testing.T) {
	cs := &contendedStore{InMemory: store.NewInMemory(), remaining: 2}
	p, _ := pool.New([]string{"k1"})
	b := New(cs, p, WithRetryPolicy(fastPolicy(3)))

	rec, err := b.Acquire(context.Background(), "svc", "api", time.Minute, "r1", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if cs.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", cs.calls)
	}
	if rec.Status != StatusAcquired {
		t.Fatalf("status: %s", rec.Status)
	}
}

func TestAcquireContentionExhaustsRetries(t *testing.T) {
	cs := &contendedStore{InMemory: store.NewInMemory(), remaining: 100}
	p, _ := pool.New([]string{"k1"})
	b := New(cs, p, WithRetryPolicy(fastPolicy(3)))

	_, err := b.Acquire(context.Background(), "svc", "api", time.Minute, "r1", nil)
	if err == nil {
		t.Fatal("expected contention failure")
	}
	var aerr *AcquisitionError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected AcquisitionError, got %T", err)
	}
	if !errors.Is(err, ErrContended) {
		t.Fatalf("cause should be ErrContended, got %v", err)
	}
	if aerr.RetryAfter != time.Minute {
		t.Fatalf("retry-after should advise the clamped TTL, got %v", aerr.RetryAfter)
	}
	if cs.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", cs.calls)
	}
	if len(b.ActiveLocks()) != 0 {
		t.Fatal("failed acquisition must not register a record")
	}
}

// spyStore counts deletes so compensation can be observed.
type spyStore struct {
	*store.InMemory
	delCalls int
}

func (s *spyStore) Del(ctx context.Context, key string) (bool, error) {
	s.delCalls++
	return s.InMemory.Del(ctx, key)
}

func TestAcquireEmptyPoolCompensatesStoreKey(t *testing.T) {
	spy := &spyStore{InMemory: store.NewInMemory()}
	b := New(spy, &pool.Pool{}, WithRetryPolicy(fastPolicy(1)))

	_, err := b.Acquire(context.Background(), "svc", "api", time.Minute, "r1", nil)
	var aerr *AcquisitionError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected AcquisitionError, got %v", err)
	}
	if !errors.Is(err, pool.ErrNoCredentials) {
		t.Fatalf("cause should be ErrNoCredentials, got %v", err)
	}
	if spy.delCalls == 0 {
		t.Fatal("orphaned store key was not compensated")
	}
	if len(b.ActiveLocks()) != 0 {
		t.Fatal("no record should be registered")
	}
}

// failingStore errors on every operation.
type failingStore struct{ *store.InMemory }

var errStoreDown = errors.New("store down")

func (f *failingStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return false, errStoreDown
}

func (f *failingStore) Del(ctx context.Context, key string) (bool, error) {
	return false, errStoreDown
}

func (f *failingStore) Ping(ctx context.Context) error { return errStoreDown }

func TestAcquireStoreUnreachable(t *testing.T) {
	p, _ := pool.New([]string{"k1"})
	b := New(&failingStore{store.NewInMemory()}, p, WithRetryPolicy(fastPolicy(2)))

	_, err := b.Acquire(context.Background(), "svc", "api", time.Minute, "r1", nil)
	var aerr *AcquisitionError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected AcquisitionError, got %v", err)
	}
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("underlying cause must be attached, got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	rec, err := b.Acquire(ctx, "a", "x", time.Minute, "r1", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	released, err := b.Release(ctx, rec.LockID, "a", nil)
	if err != nil || !released {
		t.Fatalf("first release: %v released %v", err, released)
	}
	released, err = b.Release(ctx, rec.LockID, "a", nil)
	if err != nil || released {
		t.Fatalf("second release should be a no-op: %v released %v", err, released)
	}
}

func TestReleaseUnknownLock(t *testing.T) {
	b, _ := newTestBroker(t)
	released, err := b.Release(context.Background(), "no-such-lock", "a", nil)
	if err != nil || released {
		t.Fatalf("unknown release: %v released %v", err, released)
	}
}

func TestReleaseFreesStoreKeyForReacquisition(t *testing.T) {
	b, mem := newTestBroker(t)
	ctx := context.Background()

	rec, err := b.Acquire(ctx, "a", "x", time.Hour, "r1", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if released, err := b.Release(ctx, rec.LockID, "a", nil); err != nil || !released {
		t.Fatalf("release: %v released %v", err, released)
	}
	// The store key must be gone so another process could claim it.
	ok, err := mem.SetNX(ctx, "keygate:lock:"+rec.LockID, "probe", time.Minute)
	if err != nil || !ok {
		t.Fatalf("store key not deleted on release: ok %v err %v", ok, err)
	}
}

func TestReleaseForwardsUsageStats(t *testing.T) {
	mem := store.NewInMemory()
	p, _ := pool.New([]string{"k1"})
	rec := stats.NewRecorder(stats.NewStoreSink(mem))
	b := New(mem, p, WithRetryPolicy(fastPolicy(1)), WithRecorder(rec))
	ctx := context.Background()

	lock, err := b.Acquire(ctx, "json-service", "api", time.Minute, "r1", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	released, err := b.Release(ctx, lock.LockID, "json-service", map[string]any{"tokens_used": 900})
	if err != nil || !released {
		t.Fatalf("release: %v released %v", err, released)
	}
	rec.Close()

	if vals := mem.List("keygate:stats:usage:json-service"); len(vals) != 1 {
		t.Fatalf("expected 1 usage event, got %d", len(vals))
	}
	if vals := mem.List("keygate:stats:acquire"); len(vals) != 1 {
		t.Fatalf("expected 1 acquire event, got %d", len(vals))
	}
	if vals := mem.List("keygate:stats:release"); len(vals) != 1 {
		t.Fatalf("expected 1 release event, got %d", len(vals))
	}
}

// delFailingStore works until Del is called.
type delFailingStore struct{ *store.InMemory }

func (d *delFailingStore) Del(ctx context.Context, key string) (bool, error) {
	return false, errStoreDown
}

func (d *delFailingStore) Ping(ctx context.Context) error { return errStoreDown }

func TestReleaseSurvivesStoreFailure(t *testing.T) {
	p, _ := pool.New([]string{"k1"})
	b := New(&delFailingStore{store.NewInMemory()}, p, WithRetryPolicy(fastPolicy(1)))
	ctx := context.Background()

	rec, err := b.Acquire(ctx, "a", "x", time.Minute, "r1", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	released, err := b.Release(ctx, rec.LockID, "a", nil)
	if !released {
		t.Fatal("local release must proceed despite store failure")
	}
	var rerr *ReleaseError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected ReleaseError, got %v", err)
	}
	if released, err = b.Release(ctx, rec.LockID, "a", nil); released || err != nil {
		t.Fatalf("second release should be a no-op: %v released %v", err, released)
	}
}

func TestForceRelease(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	rec, err := b.Acquire(ctx, "a", "x", time.Minute, "r1", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !b.ForceRelease(ctx, rec.LockID, "operator request") {
		t.Fatal("force release should succeed")
	}
	if b.ForceRelease(ctx, rec.LockID, "again") {
		t.Fatal("second force release should return false")
	}
	if released, _ := b.Release(ctx, rec.LockID, "a", nil); released {
		t.Fatal("release after force release should return false")
	}
}

// Run under -race: the record returned by Acquire is a copy taken
// under the registry mutex, so a concurrent force release mutating the
// registry's record must never be visible through it.
func TestAcquireCopyUnaffectedByConcurrentForceRelease(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			for _, l := range b.ActiveLocks() {
				b.ForceRelease(ctx, l.LockID, "sweep")
			}
		}
	}()

	for i := 0; i < 200; i++ {
		rec, err := b.Acquire(ctx, "svc", "api", time.Minute, "r1", nil)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if rec.Status != StatusAcquired {
			t.Fatalf("acquire %d: returned copy mutated, status %s", i, rec.Status)
		}
	}
	<-done
}

func TestCleanupExpiredRemovesPastRecords(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	rec, err := b.Acquire(ctx, "a", "x", time.Minute, "r1", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := b.Acquire(ctx, "b", "y", time.Hour, "r2", nil); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if n := b.CleanupExpired(); n != 1 {
		t.Fatalf("expected 1 expired record, got %d", n)
	}

	for _, l := range b.ActiveLocks() {
		if l.LockID == rec.LockID {
			t.Fatal("expired record still active")
		}
	}
	if released, _ := b.Release(ctx, rec.LockID, "a", nil); released {
		t.Fatal("release after expiry cleanup should return false")
	}
}

func TestActiveLocksIsASnapshot(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.Acquire(ctx, "a", "x", time.Minute, "r1", nil); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	snap := b.ActiveLocks()
	snap[0].Status = StatusFailed
	snap[0].Credential = "tampered"

	fresh := b.ActiveLocks()
	if fresh[0].Status != StatusAcquired || fresh[0].Credential == "tampered" {
		t.Fatal("mutating the snapshot must not affect the registry")
	}
}

func TestHealth(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.Acquire(ctx, "a", "x", time.Minute, "r1", nil); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h := b.Health(ctx)
	if !h.StoreReachable || h.ActiveLockCount != 1 || h.PoolSize != 3 {
		t.Fatalf("unexpected health: %+v", h)
	}
	if h.UptimeSeconds < 0 {
		t.Fatalf("uptime: %v", h.UptimeSeconds)
	}
}

func TestHealthReportsUnreachableStore(t *testing.T) {
	p, _ := pool.New([]string{"k1"})
	b := New(&failingStore{store.NewInMemory()}, p)
	if h := b.Health(context.Background()); h.StoreReachable {
		t.Fatal("health must report store unreachable")
	}
}

func TestReleasePublishesEvent(t *testing.T) {
	bus := notify.NewInMemoryBus()
	mem := store.NewInMemory()
	p, _ := pool.New([]string{"k1"})
	b := New(mem, p, WithRetryPolicy(fastPolicy(1)), WithBus(bus))
	ctx := context.Background()

	ch, err := bus.Subscribe(ctx, notify.SubjectReleased+"api")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	rec, err := b.Acquire(ctx, "svc", "api", time.Minute, "r1", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := b.Release(ctx, rec.LockID, "svc", nil); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for release event")
	}
}
