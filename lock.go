package swmrlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"
)

// acquirePollInterval is how long acquire sleeps between set-if-absent
// attempts on a contended lock.
const acquirePollInterval = time.Millisecond

// acquire waits for and takes the advisory lock name on behalf of owner.
// It polls set-if-absent until the acquire deadline and reports false if
// the lock could not be taken in time. Contention is not an error.
//
// The lock value is written with expiry holdTimeout, bounding the damage a
// dead holder can do. If the key is found to exist without an expiry (a
// crash artifact of a non-atomic writer), a fresh expiry is assigned so the
// lock cannot wedge forever.
func acquire(ctx context.Context, s Store, name, owner string, acqTimeout, holdTimeout time.Duration) (bool, error) {
	deadline := time.Now().Add(acqTimeout)
	for {
		ok, err := s.SetIfAbsent(ctx, name, owner, holdTimeout)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		ttl, err := s.TTL(ctx, name)
		if err != nil {
			return false, err
		}
		if ttl == TTLNone {
			if _, err := s.Expire(ctx, name, holdTimeout); err != nil {
				return false, err
			}
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

// release gives up the advisory lock name, but only if its stored value
// still equals owner. It reports false when the value did not match, i.e.
// the lock expired and may now belong to someone else. The caller decides
// whether that is fatal.
func release(ctx context.Context, s Store, name, owner string) (bool, error) {
	return s.CompareAndDelete(ctx, name, owner)
}

// withLock runs fn while holding the advisory lock name under a freshly
// generated owner token. The release runs whether or not fn fails; a
// release that finds the lock gone returns ErrLockLost, because losing an
// interior lock means the critical section outlived its hold timeout. If fn
// itself failed, its error is returned and a lost lock is only logged.
func (c *Coordinator) withLock(ctx context.Context, name string, fn func() error) error {
	owner := c.newOwnerToken()
	ok, err := acquire(ctx, c.store, name, owner, c.acqTimeout, c.holdTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return acquireTimeoutErr(name)
	}

	ferr := fn()

	// The release must run even if ctx was cancelled inside fn.
	released, rerr := release(context.WithoutCancel(ctx), c.store, name, owner)
	if ferr != nil {
		if rerr != nil || !released {
			c.log.Warn().Str("lock", name).Msg("failed to release lock while unwinding")
		}
		return ferr
	}
	if rerr != nil {
		return rerr
	}
	if !released {
		return lockLostErr(name)
	}
	return nil
}

// WithLock runs fn while holding the named advisory lock. It is the
// general-purpose scoped mutex the readers/writer protocol is built from,
// exported for clients that need plain cross-process mutual exclusion next
// to their coordinated resources.
func (c *Coordinator) WithLock(ctx context.Context, name string, fn func(context.Context) error) error {
	return c.withLock(ctx, name, func() error { return fn(ctx) })
}

// ownerPrefix returns the token prefix identifying the given process, e.g.
// "pid1234_". The termination sweep matches stored lock values against it.
func ownerPrefix(pid int) string {
	return fmt.Sprintf("pid%d_", pid)
}

// newOwnerToken generates a lock owner token unique to this process and
// acquisition: the process prefix followed by a random nonce.
func (c *Coordinator) newOwnerToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b) // crypto/rand.Read does not fail
	return c.prefix + hex.EncodeToString(b)
}

func currentPID() int {
	return os.Getpid()
}
