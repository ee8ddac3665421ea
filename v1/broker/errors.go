package broker

import (
	"errors"
	"fmt"
	"time"
)

// ErrContended is returned by a single acquisition attempt when the
// shared-store key is already held. The retry policy treats it like any
// other failure; callers see it wrapped in an AcquisitionError once the
// attempt ceiling is exhausted.
var ErrContended = errors.New("keygate: lock already held")

// AcquisitionError reports a failed lock acquisition. RetryAfter is an
// advisory wait for contention failures; it is zero otherwise.
type AcquisitionError struct {
	Reason     string
	RetryAfter time.Duration
	err        error
}

func (e *AcquisitionError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("keygate: acquisition failed: %s: %v", e.Reason, e.err)
	}
	return "keygate: acquisition failed: " + e.Reason
}

func (e *AcquisitionError) Unwrap() error {
	return e.err
}

// ReleaseError reports a shared-store failure during release. The local
// record has already been removed when this is returned; the store key
// still expires on its own TTL.
type ReleaseError struct {
	Reason string
	err    error
}

func (e *ReleaseError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("keygate: release failed: %s: %v", e.Reason, e.err)
	}
	return "keygate: release failed: " + e.Reason
}

func (e *ReleaseError) Unwrap() error {
	return e.err
}
