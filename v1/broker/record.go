package broker

import "time"

// Status describes the lifecycle state of a lock record.
type Status string

const (
	StatusAcquired Status = "acquired"
	StatusReleased Status = "released"
	StatusExpired  Status = "expired"
	StatusFailed   Status = "failed"
)

// LockRecord is the unit of mutual exclusion: a time-bounded exclusive
// claim on a resource class together with the credential assigned for
// it. The credential is immutable once set. The in-memory registry of
// records is a local index over locks this process believes it owns; the
// shared-store entry remains authoritative for cross-process exclusivity
// and expires on its own TTL.
type LockRecord struct {
	LockID     string    `json:"lock_id"`
	Credential string    `json:"credential"`
	Requester  string    `json:"requester"`
	Resource   string    `json:"resource"`
	RequestID  string    `json:"request_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Status     Status    `json:"status"`
}

// ExpiredAt reports whether the record's expiry has passed at the given
// instant.
func (r LockRecord) ExpiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
