// Package pool holds the static credential pool and the deterministic
// hash-based assignment of one credential per lock. Selection is
// reproducible for a given lock id and spreads load across the pool
// without coordination; it is statistical spread, not sequential round
// robin.
package pool

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
)

// ErrNoCredentials is returned when assignment is attempted against an
// empty pool.
var ErrNoCredentials = errors.New("keygate: no credentials configured")

// Pool is a read-only set of credentials built once at startup. No
// locking is needed after construction.
type Pool struct {
	creds []string
}

// Option configures pool construction.
type Option func(*options)

type options struct {
	requiredPrefix string
}

// WithRequiredPrefix rejects credentials that do not start with prefix.
func WithRequiredPrefix(prefix string) Option {
	return func(o *options) { o.requiredPrefix = prefix }
}

// New builds a pool from the given credentials, deduplicating while
// preserving order. Blank entries are dropped.
func New(creds []string, opts ...Option) (*Pool, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	seen := make(map[string]struct{}, len(creds))
	out := make([]string, 0, len(creds))
	for _, c := range creds {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if o.requiredPrefix != "" && !strings.HasPrefix(c, o.requiredPrefix) {
			return nil, fmt.Errorf("keygate: credential %s does not start with %q", Mask(c), o.requiredPrefix)
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, ErrNoCredentials
	}
	return &Pool{creds: out}, nil
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	return len(p.creds)
}

// Assign picks the credential for lockID by hashing the id modulo the
// pool size.
func (p *Pool) Assign(lockID string) (string, error) {
	if len(p.creds) == 0 {
		return "", ErrNoCredentials
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(lockID))
	return p.creds[h.Sum32()%uint32(len(p.creds))], nil
}

// Mask returns a credential safe for logs and telemetry, keeping only a
// short prefix.
func Mask(cred string) string {
	if len(cred) <= 10 {
		return cred[:len(cred)/2] + "..."
	}
	return cred[:10] + "..."
}
