// Package store provides the shared key/value backends used by the broker
// for distributed mutual exclusion and telemetry, with in-memory and Redis
// implementations plus a circuit-breaker decorator for failing fast while
// the backend is unreachable.
package store
