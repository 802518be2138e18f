package swmrlock

import (
	"errors"
	"fmt"
)

// Sentinel errors returned (wrapped) by the coordinator. Match with
// errors.Is; the wrapping message carries the key and resource involved.
var (
	// ErrAcquireTimeout reports that a primitive lock could not be acquired
	// within the configured acquire timeout.
	ErrAcquireTimeout = errors.New("swmrlock: lock acquire timed out")

	// ErrLockLost reports that a lock's stored owner no longer matched at
	// release time: the lock expired, and possibly was reacquired by
	// another participant, while we believed we held it.
	ErrLockLost = errors.New("swmrlock: lock was lost")

	// ErrReentrant reports an attempt to enter a read or write critical
	// section for a resource from inside a critical section for that same
	// resource.
	ErrReentrant = errors.New("swmrlock: reentrant access")

	// ErrInvariantViolated reports protocol state that the sequences cannot
	// produce on their own, such as a negative counter. It indicates
	// external tampering or an unreconciled crash.
	ErrInvariantViolated = errors.New("swmrlock: protocol invariant violated")
)

func acquireTimeoutErr(key string) error {
	return fmt.Errorf("could not acquire lock %q: %w", key, ErrAcquireTimeout)
}

func lockLostErr(key string) error {
	return fmt.Errorf("lock %q: %w", key, ErrLockLost)
}
