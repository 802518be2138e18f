// Copyright 2026 Meteotest
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package swmrlock coordinates read and write access to a shared external
// resource (originally an HDF5 file, but any resource identified by a stable
// string works) across operating-system processes that share nothing but a
// Redis server.
//
// Any number of readers may proceed in parallel while no writer is active;
// writers are serialized and exclude all readers; and a continuous stream of
// readers cannot starve a waiting writer.  This is the "second
// readers/writers problem" of the classical literature, expressed as
// sequences of advisory-lock and counter operations against a coordination
// store, so that the participants may be unrelated processes that can die at
// arbitrary points.
//
// ## Protocol state
//
// For a protected resource R the protocol keeps seven keys in the store:
//
//	+---------------+----------------+---------------------------------------------+
//	| Key           | Kind           | Role                                        |
//	+---------------+----------------+---------------------------------------------+
//	| mutex1__R     | advisory lock  | guards readcount__R                         |
//	| mutex2__R     | advisory lock  | guards writecount__R                        |
//	| mutex3__R     | advisory lock  | reader turnstile (writer anti-starvation)   |
//	| r__R          | advisory lock  | read gate: held by writers, blocks readers  |
//	| w__R          | advisory lock  | write gate: held by readers, blocks writers |
//	| readcount__R  | integer        | readers past entry, not yet exited          |
//	| writecount__R | integer        | writers active or waiting                   |
//	+---------------+----------------+---------------------------------------------+
//
// An advisory lock is a key whose presence means "held" and whose value
// names the owner.  Most locks carry a pid-prefixed random token so a
// terminating process can reap its own locks, but the two gates are owned by
// a whole cohort: w__R is taken by the first reader and released by the last
// under the shared token "id_reader", and r__R likewise by the writers under
// "id_writer".  The token names cross roles for historical reasons and are
// part of the wire contract; changing them breaks interoperability with
// other participants.  Foreign-release protection is deliberately waived on
// the gates, which is safe because they are only mutated while holding the
// corresponding counter mutex.
//
// Every lock is written with an expiry, so a participant that dies without
// running its termination sweep can wedge the coordinator for at most the
// hold timeout.
//
// ## Non-reentrancy
//
// The locks are not reentrant.  A critical section must not enter another
// read or write section for the same resource; the coordinator detects this
// through the context it passes into the section and fails fast with
// ErrReentrant instead of deadlocking.
package swmrlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Cohort owner tokens stored on the two gates. Wire contract: all
// participants, in any implementation, must use exactly these strings.
const (
	readersToken = "id_reader" // held on w__R by the reader cohort
	writersToken = "id_writer" // held on r__R by the writer cohort
)

// Protocol key names for resource r. The schema is shared with every other
// participant and must not change.
func keyMutex1(r string) string     { return "mutex1__" + r }
func keyMutex2(r string) string     { return "mutex2__" + r }
func keyMutex3(r string) string     { return "mutex3__" + r }
func keyReadGate(r string) string   { return "r__" + r }
func keyWriteGate(r string) string  { return "w__" + r }
func keyReadCount(r string) string  { return "readcount__" + r }
func keyWriteCount(r string) string { return "writecount__" + r }

// Defaults applied by Config.
const (
	DefaultAddr           = "localhost:6379"
	DefaultAcquireTimeout = 15 * time.Second
	DefaultHoldTimeout    = 20 * time.Second
)

// Config carries the store endpoint and the two protocol timeouts.
type Config struct {
	// Addr is the host:port of the coordination store. Defaults to
	// DefaultAddr.
	Addr string
	// DB is the store database index.
	DB int
	// Password authenticates against the store, if required.
	Password string

	// AcquireTimeout bounds how long any single primitive lock acquisition
	// may wait before the operation gives up. Defaults to
	// DefaultAcquireTimeout.
	AcquireTimeout time.Duration
	// HoldTimeout is the expiry assigned to every advisory lock and cohort
	// gate. Critical sections must finish within it. Defaults to
	// DefaultHoldTimeout.
	HoldTimeout time.Duration

	// Logger receives warnings such as a cohort gate lost to expiry. The
	// zero value disables logging.
	Logger zerolog.Logger
}

func (cfg Config) addr() string {
	if cfg.Addr == "" {
		return DefaultAddr
	}
	return cfg.Addr
}

func (cfg Config) acquireTimeout() time.Duration {
	if cfg.AcquireTimeout <= 0 {
		return DefaultAcquireTimeout
	}
	return cfg.AcquireTimeout
}

func (cfg Config) holdTimeout() time.Duration {
	if cfg.HoldTimeout <= 0 {
		return DefaultHoldTimeout
	}
	return cfg.HoldTimeout
}

// Coordinator arbitrates read and write access to named resources through a
// coordination store. It is safe for concurrent use; a single Coordinator
// per process is the intended shape.
type Coordinator struct {
	store       Store
	acqTimeout  time.Duration
	holdTimeout time.Duration
	log         zerolog.Logger
	pid         int
	prefix      string

	// Outstanding entries per resource, so the termination sweep knows how
	// many counter increments this process still owes back.
	mu      sync.Mutex
	readers map[string]int
	writers map[string]int
}

// New connects to the store endpoint in cfg and returns a Coordinator.
func New(cfg Config) *Coordinator {
	return NewWithStore(NewRedisStore(cfg), cfg)
}

// NewWithStore builds a Coordinator on an existing store, which the caller
// keeps ownership of; Close on the Coordinator still closes it. Useful for
// tests and for sharing one client between the coordinator and other
// subsystems.
func NewWithStore(store Store, cfg Config) *Coordinator {
	pid := currentPID()
	return &Coordinator{
		store:       store,
		acqTimeout:  cfg.acquireTimeout(),
		holdTimeout: cfg.holdTimeout(),
		log:         cfg.Logger,
		pid:         pid,
		prefix:      ownerPrefix(pid),
		readers:     make(map[string]int),
		writers:     make(map[string]int),
	}
}

// Close releases the underlying store connection.
func (c *Coordinator) Close() error {
	return c.store.Close()
}

// ctxKey marks a context as being inside a critical section for a resource.
type ctxKey struct{ resource string }

func markCritical(ctx context.Context, resource string) context.Context {
	return context.WithValue(ctx, ctxKey{resource}, true)
}

func insideCritical(ctx context.Context, resource string) bool {
	held, _ := ctx.Value(ctxKey{resource}).(bool)
	return held
}

// WithReadAccess runs fn while holding shared read access to resource.
// Concurrent readers proceed in parallel; a writer holds them all out. The
// context passed to fn must be forwarded to any nested coordinator calls so
// reentrant use of the same resource is detected rather than deadlocking.
//
// Errors from fn propagate unchanged; the exit protocol runs regardless.
func (c *Coordinator) WithReadAccess(ctx context.Context, resource string, fn func(context.Context) error) error {
	if insideCritical(ctx, resource) {
		return fmt.Errorf("read access to %q: %w", resource, ErrReentrant)
	}
	if err := c.readEnter(ctx, resource); err != nil {
		return err
	}

	ferr := fn(markCritical(ctx, resource))

	// Exit must run even on failure or cancellation of fn.
	xerr := c.readExit(context.WithoutCancel(ctx), resource)
	if ferr != nil {
		return ferr
	}
	return xerr
}

// readEnter performs the reader entry sequence:
//
//	mutex3 -> r -> mutex1 -> readcount++ -> first reader takes w
//
// The turnstile mutex3 serializes reader arrival so that a writer holding r
// only ever waits behind a single queued reader. Writers never touch
// mutex3. The three locks are released in reverse order on the way out.
func (c *Coordinator) readEnter(ctx context.Context, resource string) error {
	writeGate := keyWriteGate(resource)
	return c.withLock(ctx, keyMutex3(resource), func() error {
		return c.withLock(ctx, keyReadGate(resource), func() error {
			return c.withLock(ctx, keyMutex1(resource), func() error {
				n, err := c.store.Incr(ctx, keyReadCount(resource), 1)
				if err != nil {
					return err
				}
				c.trackReader(resource, 1)
				if n == 1 {
					// First reader of the epoch locks out all writers.
					ok, err := acquire(ctx, c.store, writeGate, readersToken, c.acqTimeout, c.holdTimeout)
					if err == nil && !ok {
						err = fmt.Errorf("could not acquire write gate: %w", acquireTimeoutErr(writeGate))
					}
					if err != nil {
						c.rollbackReadEnter(ctx, resource)
						return err
					}
				}
				return nil
			})
		})
	})
}

// rollbackReadEnter undoes the counter increment of a failed entry. It runs
// while mutex1 is still held, so the refund is ordered with other mutators.
func (c *Coordinator) rollbackReadEnter(ctx context.Context, resource string) {
	if _, err := c.store.Decr(context.WithoutCancel(ctx), keyReadCount(resource), 1); err != nil {
		c.log.Warn().Err(err).Str("resource", resource).Msg("failed to roll back reader count")
		return
	}
	c.trackReader(resource, -1)
}

// readExit performs the reader exit sequence: the last reader of the epoch
// gives the write gate back. A gate that was already lost to expiry is
// logged, not raised; a later first reader will simply recreate it.
func (c *Coordinator) readExit(ctx context.Context, resource string) error {
	writeGate := keyWriteGate(resource)
	return c.withLock(ctx, keyMutex1(resource), func() error {
		n, err := c.store.Decr(ctx, keyReadCount(resource), 1)
		if err != nil {
			return err
		}
		c.trackReader(resource, -1)
		if n < 0 {
			return fmt.Errorf("readcount for %q went negative: %w", resource, ErrInvariantViolated)
		}
		if n == 0 {
			ok, err := release(ctx, c.store, writeGate, readersToken)
			if err != nil {
				return err
			}
			if !ok {
				c.log.Warn().Str("resource", resource).Str("lock", writeGate).
					Msg("write gate expired before the last reader released it")
			}
		}
		return nil
	})
}

// WithWriteAccess runs fn while holding exclusive write access to resource:
// no reader and no other writer is inside a critical section for it.
// Writers queue on the write gate in unspecified order.
//
// Errors from fn propagate unchanged; the exit protocol runs regardless.
func (c *Coordinator) WithWriteAccess(ctx context.Context, resource string, fn func(context.Context) error) error {
	if insideCritical(ctx, resource) {
		return fmt.Errorf("write access to %q: %w", resource, ErrReentrant)
	}
	if err := c.writeEnter(ctx, resource); err != nil {
		return err
	}

	// The write gate is held per-writer under an ordinary pid token: unlike
	// the reader side, each writer holds it exclusively for exactly its own
	// critical section. Waiting here is how writers serialize behind each
	// other and behind the draining reader cohort.
	ferr := c.withLock(ctx, keyWriteGate(resource), func() error {
		return fn(markCritical(ctx, resource))
	})

	xerr := c.writeExit(context.WithoutCancel(ctx), resource)
	if ferr != nil {
		return ferr
	}
	return xerr
}

// writeEnter performs the writer entry sequence:
//
//	mutex2 -> writecount++ -> first writer takes r
//
// Holding r keeps new readers from entering while this and any queued
// writers drain; readers already inside finish normally.
func (c *Coordinator) writeEnter(ctx context.Context, resource string) error {
	readGate := keyReadGate(resource)
	return c.withLock(ctx, keyMutex2(resource), func() error {
		n, err := c.store.Incr(ctx, keyWriteCount(resource), 1)
		if err != nil {
			return err
		}
		c.trackWriter(resource, 1)
		if n == 1 {
			ok, err := acquire(ctx, c.store, readGate, writersToken, c.acqTimeout, c.holdTimeout)
			if err == nil && !ok {
				err = fmt.Errorf("could not acquire read gate: %w", acquireTimeoutErr(readGate))
			}
			if err != nil {
				c.rollbackWriteEnter(ctx, resource)
				return err
			}
		}
		return nil
	})
}

func (c *Coordinator) rollbackWriteEnter(ctx context.Context, resource string) {
	if _, err := c.store.Decr(context.WithoutCancel(ctx), keyWriteCount(resource), 1); err != nil {
		c.log.Warn().Err(err).Str("resource", resource).Msg("failed to roll back writer count")
		return
	}
	c.trackWriter(resource, -1)
}

// writeExit performs the writer exit sequence: the last writer of the epoch
// gives the read gate back, letting readers in again.
func (c *Coordinator) writeExit(ctx context.Context, resource string) error {
	readGate := keyReadGate(resource)
	return c.withLock(ctx, keyMutex2(resource), func() error {
		n, err := c.store.Decr(ctx, keyWriteCount(resource), 1)
		if err != nil {
			return err
		}
		c.trackWriter(resource, -1)
		if n < 0 {
			return fmt.Errorf("writecount for %q went negative: %w", resource, ErrInvariantViolated)
		}
		if n == 0 {
			ok, err := release(ctx, c.store, readGate, writersToken)
			if err != nil {
				return err
			}
			if !ok {
				c.log.Warn().Str("resource", resource).Str("lock", readGate).
					Msg("read gate expired before the last writer released it")
			}
		}
		return nil
	})
}

// trackReader adjusts this process's outstanding-reader count for resource.
// Called only while holding mutex1 for the resource, which orders it with
// the store-side counter; the local mutex covers in-process concurrency.
func (c *Coordinator) trackReader(resource string, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readers[resource] += delta
	if c.readers[resource] <= 0 {
		delete(c.readers, resource)
	}
}

// trackWriter is the writer-side counterpart of trackReader, ordered by
// mutex2.
func (c *Coordinator) trackWriter(resource string, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writers[resource] += delta
	if c.writers[resource] <= 0 {
		delete(c.writers, resource)
	}
}
