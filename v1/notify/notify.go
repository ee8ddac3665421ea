// Package notify propagates lock lifecycle events (acquired, released,
// expired) so that external waiters can re-attempt acquisition as soon
// as a resource frees up instead of sleeping out their full backoff.
// Events are signals, not messages: subscribers get coalesced
// notifications per subject.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
)

// Subject names used by the broker.
const (
	SubjectAcquired = "keygate.acquired."
	SubjectReleased = "keygate.released."
	SubjectExpired  = "keygate.expired."
)

// Bus provides the pub/sub mechanism used to propagate lock events.
type Bus interface {
	Publish(ctx context.Context, subject string) error
	Subscribe(ctx context.Context, subject string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, subject string, ch chan struct{}) error
}

// InMemoryBus is a local implementation of Bus, used when the broker runs
// standalone and in tests.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published uint64
	delivered uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish. Delivery happens under the mutex
// because Unsubscribe closes channels under the same lock; sends are
// non-blocking so the hold is short.
func (b *InMemoryBus) Publish(ctx context.Context, subject string) error {
	atomic.AddUint64(&b.published, 1)
	b.mu.Lock()
	for _, ch := range b.subs[subject] {
		select {
		case ch <- struct{}{}:
			atomic.AddUint64(&b.delivered, 1)
		default:
		}
	}
	b.mu.Unlock()
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, subject string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), subject, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, subject string, ch chan struct{}) error {
	b.mu.Lock()
	subs := b.subs[subject]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[subject] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, subject)
	}
	b.mu.Unlock()
	return nil
}

// Metrics holds publish/delivery counters.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
