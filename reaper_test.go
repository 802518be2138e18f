package swmrlock

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupReapsOwnedLocks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, store := newTestEnv(t)
	c := newTestCoordinator(t, store)

	// Locks owned by this process, as if it died mid-sequence.
	for _, key := range []string{keyMutex1("res"), keyMutex3("res")} {
		ok, err := acquire(ctx, store, key, c.newOwnerToken(), time.Second, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
	// A lock owned by a different process must survive the sweep.
	ok, err := acquire(ctx, store, keyMutex2("res"), "pid999999_cafe", time.Second, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	// Cohort gates carry constant tokens, never a pid prefix; the sweep
	// must leave them to the counter-refund pass.
	mr.Set(keyWriteGate("res"), readersToken)

	c.Cleanup(ctx)

	assert.False(t, mr.Exists(keyMutex1("res")))
	assert.False(t, mr.Exists(keyMutex3("res")))
	assert.True(t, mr.Exists(keyMutex2("res")), "foreign lock reaped")
	assert.True(t, mr.Exists(keyWriteGate("res")), "cohort gate must not be pid-swept")
}

func TestCleanupRefundsReaderEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, store := newTestEnv(t)

	victim := withPID(newTestCoordinator(t, store), 71001)
	survivor := withPID(newTestCoordinator(t, store), 71002)

	const resource = "test1234"

	// The victim passes the entry protocol and then "dies" inside its
	// critical section: the exit sequence never runs.
	require.NoError(t, victim.readEnter(ctx, resource))
	assert.Equal(t, "1", mustGet(t, mr, keyReadCount(resource)))
	assert.Equal(t, readersToken, mustGet(t, mr, keyWriteGate(resource)))

	victim.Cleanup(ctx)

	assert.Equal(t, "0", mustGet(t, mr, keyReadCount(resource)))
	assert.False(t, mr.Exists(keyWriteGate(resource)), "write gate must be given back")

	// A writer from a surviving process proceeds immediately.
	var entered bool
	err := survivor.WithWriteAccess(ctx, resource, func(context.Context) error {
		entered = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, entered)
	assertQuiescent(t, mr, resource)
}

func TestCleanupRefundsWriterEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, store := newTestEnv(t)

	victim := withPID(newTestCoordinator(t, store), 71003)

	const resource = "wdead"

	require.NoError(t, victim.writeEnter(ctx, resource))
	assert.Equal(t, "1", mustGet(t, mr, keyWriteCount(resource)))
	assert.Equal(t, writersToken, mustGet(t, mr, keyReadGate(resource)))

	victim.Cleanup(ctx)

	assert.Equal(t, "0", mustGet(t, mr, keyWriteCount(resource)))
	assert.False(t, mr.Exists(keyReadGate(resource)), "read gate must be given back")
}

func TestCleanupIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, store := newTestEnv(t)
	victim := withPID(newTestCoordinator(t, store), 71004)

	const resource = "twice"
	require.NoError(t, victim.readEnter(ctx, resource))

	victim.Cleanup(ctx)
	victim.Cleanup(ctx) // bookkeeping was cleared; nothing refunded twice

	assert.Equal(t, "0", mustGet(t, mr, keyReadCount(resource)))
}

// TestMixedWorkersWithSuicides drives a population of reader and writer
// workers against one resource; some readers "die" inside their critical
// section and run only the termination cleanup. Afterwards the store must
// look as if every worker had finished normally.
func TestMixedWorkersWithSuicides(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, store := newTestEnv(t)

	const resource = "test1234"
	const numWorkers = 30

	var wg sync.WaitGroup
	errs := make(chan error, numWorkers)

	for i := 0; i < numWorkers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()

			// Every worker gets its own coordinator, standing in for an
			// independent process with its own bookkeeping.
			worker := withPID(newTestCoordinator(t, store), 80000+i)

			switch {
			case i%6 == 1:
				errs <- worker.WithWriteAccess(ctx, resource, func(context.Context) error {
					time.Sleep(time.Duration(1+i%4) * time.Millisecond)
					return nil
				})
			case i%13 == 1:
				// Suicidal reader: passes the entry protocol, then dies
				// without ever running the exit sequence. The termination
				// cleanup must repair the damage.
				if err := worker.readEnter(ctx, resource); err != nil {
					errs <- err
					return
				}
				worker.Cleanup(ctx)
				errs <- nil
			default:
				errs <- worker.WithReadAccess(ctx, resource, func(context.Context) error {
					time.Sleep(time.Duration(1+i%4) * time.Millisecond)
					return nil
				})
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, "0", mustGet(t, mr, keyReadCount(resource)))
	if mr.Exists(keyWriteCount(resource)) {
		assert.Equal(t, "0", mustGet(t, mr, keyWriteCount(resource)))
	}
	assertQuiescent(t, mr, resource)
}

func TestHandleTermination(t *testing.T) {
	// Not parallel: signal delivery is process-wide.

	ctx := context.Background()
	mr, store := newTestEnv(t)
	victim := newTestCoordinator(t, store)

	const resource = "sigres"

	// Keep SIGUSR1 subscribed for the whole test so the re-raised signal
	// does not fall through to the default disposition and kill the test
	// binary. This doubles as the "previously installed handler" that the
	// chaining must hand the signal to.
	prior := make(chan os.Signal, 2)
	signal.Notify(prior, syscall.SIGUSR1)
	defer signal.Stop(prior)

	require.NoError(t, victim.readEnter(ctx, resource))

	stop := victim.HandleTermination(syscall.SIGUSR1)
	defer stop()

	p, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, p.Signal(syscall.SIGUSR1))

	// First delivery fans out to both subscribers; the second one is the
	// handler's re-raise, which happens only after its cleanup finished.
	for i := 0; i < 2; i++ {
		select {
		case <-prior:
		case <-time.After(10 * time.Second):
			t.Fatal("termination handler did not run")
		}
	}

	assert.Equal(t, "0", mustGet(t, mr, keyReadCount(resource)))
	assert.False(t, mr.Exists(keyWriteGate(resource)))
}

func TestDumpAndPurgeKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr, store := newTestEnv(t)
	c := newTestCoordinator(t, store)

	const resource = "adminres"

	readerIn := make(chan struct{})
	readerHold := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.WithReadAccess(ctx, resource, func(context.Context) error {
			close(readerIn)
			<-readerHold
			return nil
		})
	}()
	<-readerIn

	dump, err := c.DumpKeys(ctx, resource)
	require.NoError(t, err)
	assert.Equal(t, "1", dump[keyReadCount(resource)])
	assert.Equal(t, readersToken, dump[keyWriteGate(resource)])

	close(readerHold)
	require.NoError(t, <-done)

	n, err := c.PurgeKeys(ctx, resource)
	require.NoError(t, err)
	assert.Positive(t, n, "the settled read counter remains to purge")

	dump, err = c.DumpKeys(ctx, resource)
	require.NoError(t, err)
	assert.Empty(t, dump)
	assert.False(t, mr.Exists(keyReadCount(resource)))
}
