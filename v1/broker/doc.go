// Package broker implements the lock and credential broker core:
// exclusive, time-bounded locks on resource classes backed by the shared
// store's atomic set-if-absent primitive, deterministic credential
// assignment from a static pool, bounded-backoff retries, fire-and-forget
// telemetry, and a janitor that sweeps expired records from the local
// registry. A client that dies never permanently starves the pool: the
// shared-store key expires on its own TTL and force release covers the
// rest.
package broker
