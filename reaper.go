package swmrlock

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
)

// advisoryLockPatterns enumerates the key families that may hold
// pid-prefixed owner tokens. The cohort gates also match "r__*" and "w__*",
// but their stored values are the constant cohort tokens, so the value
// prefix test below never reaps them; outstanding gate state is reconciled
// through the counters instead.
var advisoryLockPatterns = []string{
	"mutex1__*",
	"mutex2__*",
	"mutex3__*",
	"r__*",
	"w__*",
}

// Cleanup restores the coordinator state a dying process would otherwise
// leak: it releases every advisory lock whose stored owner token carries
// this process's pid prefix, then refunds the process's outstanding reader
// and writer entries, releasing the matching cohort gate when a counter
// reaches zero.
//
// Cleanup is what the termination handler runs, and it may also be called
// directly, e.g. from a host application's own shutdown path. After it
// returns, surviving participants observe the same state as if this
// process's in-flight operations had completed normally.
func (c *Coordinator) Cleanup(ctx context.Context) {
	c.reapOwnedLocks(ctx)

	readers, writers := c.takeOutstanding()

	for resource, n := range readers {
		err := c.withLock(ctx, keyMutex1(resource), func() error {
			v, err := c.store.Decr(ctx, keyReadCount(resource), int64(n))
			if err != nil {
				return err
			}
			if v == 0 {
				ok, err := release(ctx, c.store, keyWriteGate(resource), readersToken)
				if err != nil {
					return err
				}
				if !ok {
					c.log.Warn().Str("resource", resource).Msg("write gate already gone during cleanup")
				}
			}
			return nil
		})
		if err != nil {
			c.log.Warn().Err(err).Str("resource", resource).Msg("failed to refund reader entries")
		}
	}

	for resource, n := range writers {
		err := c.withLock(ctx, keyMutex2(resource), func() error {
			v, err := c.store.Decr(ctx, keyWriteCount(resource), int64(n))
			if err != nil {
				return err
			}
			if v == 0 {
				ok, err := release(ctx, c.store, keyReadGate(resource), writersToken)
				if err != nil {
					return err
				}
				if !ok {
					c.log.Warn().Str("resource", resource).Msg("read gate already gone during cleanup")
				}
			}
			return nil
		})
		if err != nil {
			c.log.Warn().Err(err).Str("resource", resource).Msg("failed to refund writer entries")
		}
	}
}

// reapOwnedLocks releases every advisory lock whose stored value starts
// with this process's pid prefix. Release is by compare-and-delete on the
// observed value, so a lock that expires and changes hands between the scan
// and the delete is left alone.
func (c *Coordinator) reapOwnedLocks(ctx context.Context) {
	for _, pattern := range advisoryLockPatterns {
		keys, err := c.store.Keys(ctx, pattern)
		if err != nil {
			c.log.Warn().Err(err).Str("pattern", pattern).Msg("lock sweep scan failed")
			continue
		}
		for _, key := range keys {
			val, found, err := c.store.Get(ctx, key)
			if err != nil || !found {
				continue // expired between scan and read
			}
			if !strings.HasPrefix(val, c.prefix) {
				continue
			}
			if _, err := release(ctx, c.store, key, val); err != nil {
				c.log.Warn().Err(err).Str("lock", key).Msg("failed to reap owned lock")
			}
		}
	}
}

// takeOutstanding snapshots and clears the per-process entry bookkeeping,
// so a second Cleanup (handler plus explicit call) refunds nothing twice.
func (c *Coordinator) takeOutstanding() (readers, writers map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	readers, writers = c.readers, c.writers
	c.readers = make(map[string]int)
	c.writers = make(map[string]int)
	return readers, writers
}

// HandleTermination installs a handler that runs Cleanup when one of the
// given signals arrives (SIGTERM if none are named), then re-raises the
// signal so any disposition the host application had in place still runs.
// The returned stop function uninstalls the handler without cleaning up;
// call it when shutting down in an orderly fashion.
func (c *Coordinator) HandleTermination(sigs ...os.Signal) (stop func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-ch:
			ctx, cancel := context.WithTimeout(context.Background(), c.acqTimeout)
			c.Cleanup(ctx)
			cancel()
			// Hand the signal back: with our subscription gone, whatever
			// handler or default disposition was there before takes over.
			signal.Stop(ch)
			if p, err := os.FindProcess(c.pid); err == nil {
				_ = p.Signal(sig)
			}
		case <-done:
			signal.Stop(ch)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}
