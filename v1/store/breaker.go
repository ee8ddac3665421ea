package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker decorates a Store with circuit breaker logic so that a dead
// backend fails fast instead of stalling every caller on timeouts.
type Breaker struct {
	store     Store
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewBreaker returns a new Breaker around store. After threshold
// consecutive failures the circuit opens for timeout, then a single probe
// is allowed through.
func NewBreaker(store Store, threshold int, timeout time.Duration) *Breaker {
	return &Breaker{
		store:     store,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed.
func (b *Breaker) IsHealthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state == stateOpen {
		return time.Since(b.lastFail) > b.timeout
	}
	return true
}

// allow checks if a request should be allowed. It handles the transition
// from Open to Half-Open based on timeout.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.lastFail) > b.timeout {
			b.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false // only one probe at a time
	}
	return false
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateHalfOpen:
		b.state = stateClosed
		b.failures = 0
	case stateClosed:
		b.failures = 0
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFail = time.Now()
	b.failures++
	if b.state == stateClosed && b.failures >= b.threshold {
		b.state = stateOpen
	} else if b.state == stateHalfOpen {
		b.state = stateOpen
	}
}

func (b *Breaker) observe(err error) error {
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

// SetNX implements Store.SetNX with circuit breaker logic.
func (b *Breaker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !b.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := b.store.SetNX(ctx, key, value, ttl)
	return ok, b.observe(err)
}

// Del implements Store.Del with circuit breaker logic.
func (b *Breaker) Del(ctx context.Context, key string) (bool, error) {
	if !b.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := b.store.Del(ctx, key)
	return ok, b.observe(err)
}

// LPush implements Store.LPush with circuit breaker logic.
func (b *Breaker) LPush(ctx context.Context, key, value string) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	return b.observe(b.store.LPush(ctx, key, value))
}

// Expire implements Store.Expire with circuit breaker logic.
func (b *Breaker) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	return b.observe(b.store.Expire(ctx, key, ttl))
}

// Ping implements Store.Ping. It bypasses the circuit so health probes
// reflect the real backend and never consume the half-open probe slot
// or shift breaker state.
func (b *Breaker) Ping(ctx context.Context) error {
	return b.store.Ping(ctx)
}

// Close closes the underlying store.
func (b *Breaker) Close() error {
	return b.store.Close()
}
