package arbiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koustreak/querygate/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireQuery_Serialises(t *testing.T) {
	a := New()

	var (
		wg      sync.WaitGroup
		running atomic.Int32
		peak    atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := a.AcquireQuery(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestAcquireQuery_ConflictDuringRefresh(t *testing.T) {
	a := New()

	release, err := a.BeginRefresh(context.Background())
	require.NoError(t, err)
	assert.True(t, a.Refreshing())

	_, err = a.AcquireQuery(context.Background())
	assert.True(t, errs.IsConflict(err))
	assert.Equal(t, "metadata refresh in progress", err.(*errs.Error).Message)

	release()
	assert.False(t, a.Refreshing())

	q, err := a.AcquireQuery(context.Background())
	require.NoError(t, err)
	q()
}

func TestBeginRefresh_WaitsForInFlightQuery(t *testing.T) {
	a := New()

	q, err := a.AcquireQuery(context.Background())
	require.NoError(t, err)

	acquired := make(chan func())
	go func() {
		r, err := a.BeginRefresh(context.Background())
		if err == nil {
			acquired <- r
		}
	}()

	// The refresh raises its flag before it can get the query lock, so new
	// queries fail fast while the in-flight one is still running.
	require.Eventually(t, a.Refreshing, time.Second, time.Millisecond)
	_, err = a.AcquireQuery(context.Background())
	assert.True(t, errs.IsConflict(err))

	select {
	case <-acquired:
		t.Fatal("refresh acquired while a query held the lock")
	case <-time.After(20 * time.Millisecond):
	}

	q()
	select {
	case r := <-acquired:
		r()
	case <-time.After(time.Second):
		t.Fatal("refresh did not acquire after the query finished")
	}
}

func TestBeginRefresh_ContextDeadline(t *testing.T) {
	a := New()
	q, err := a.AcquireQuery(context.Background())
	require.NoError(t, err)
	defer q()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = a.BeginRefresh(ctx)
	assert.Equal(t, errs.KindQueryTimeout, errs.KindOf(err))

	// The abandoned refresh must not leave the flag raised.
	assert.False(t, a.Refreshing())
}

func TestAcquireQuery_Cancelled(t *testing.T) {
	a := New()
	q, err := a.AcquireQuery(context.Background())
	require.NoError(t, err)
	defer q()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.AcquireQuery(ctx)
	assert.Equal(t, errs.KindQueryCancelled, errs.KindOf(err))
}

func TestRelease_Idempotent(t *testing.T) {
	a := New()
	q, err := a.AcquireQuery(context.Background())
	require.NoError(t, err)
	q()
	q()

	q2, err := a.AcquireQuery(context.Background())
	require.NoError(t, err)
	q2()
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	a := r.For("c1")
	assert.Same(t, a, r.For("c1"))
	assert.NotSame(t, a, r.For("c2"))
	assert.Equal(t, 2, r.Len())

	r.Forget("c1")
	assert.Equal(t, 1, r.Len())
	assert.NotSame(t, a, r.For("c1"))
}
