package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlfredDev/idempotency-gateway/store"
)

func TestRegistry_RegisterRejectsDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("req-1"))
	assert.ErrorIs(t, r.Register("req-1"), ErrAlreadyRegistered)
}

func TestRegistry_WaitForNotRegistered(t *testing.T) {
	r := New()
	_, err := r.WaitFor(context.Background(), "missing", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegistry_WaitForTimesOutStillRunning(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("req-1"))

	res, err := r.WaitFor(context.Background(), "req-1", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ResultStillRunning, res.Kind)
	assert.True(t, r.IsRegistered("req-1")) // still registered — timeout doesn't deregister
}

func TestRegistry_FinishReleasesWaiters(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("req-1"))

	resultCh := make(chan Result, 1)
	go func() {
		res, err := r.WaitFor(context.Background(), "req-1", time.Second)
		require.NoError(t, err)
		resultCh <- res
	}()

	time.Sleep(10 * time.Millisecond) // let the waiter block
	resp := &store.CachedResponse{Status: 200, Body: []byte("OK")}
	exp := time.Now().Add(time.Hour)
	r.Finish("req-1", resp, exp)

	select {
	case res := <-resultCh:
		assert.Equal(t, ResultFinished, res.Kind)
		assert.Equal(t, resp, res.Response)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}

	assert.False(t, r.IsRegistered("req-1"))
}

func TestRegistry_MarkDiedReleasesWaitersAsDead(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("req-1"))

	resultCh := make(chan Result, 1)
	go func() {
		res, _ := r.WaitFor(context.Background(), "req-1", time.Second)
		resultCh <- res
	}()

	time.Sleep(10 * time.Millisecond)
	exp := time.Now().Add(time.Hour)
	r.MarkDied("req-1", exp)

	res := <-resultCh
	assert.Equal(t, ResultDied, res.Kind)
	assert.False(t, r.IsRegistered("req-1"))
}

func TestRegistry_FinishIsOneShot(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("req-1"))

	r.Finish("req-1", nil, time.Now())
	// A second completion for an already-finished (and now deregistered)
	// builder is simply a no-op — it must not panic on a closed channel.
	assert.NotPanics(t, func() {
		r.MarkDied("req-1", time.Now())
	})
}

func TestRegistry_MultipleWaitersAllReleased(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("req-1"))

	const n = 5
	results := make(chan Result, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := r.WaitFor(context.Background(), "req-1", time.Second)
			require.NoError(t, err)
			results <- res
		}()
	}

	time.Sleep(10 * time.Millisecond)
	r.Finish("req-1", &store.CachedResponse{Status: 200}, time.Now().Add(time.Hour))

	for i := 0; i < n; i++ {
		select {
		case res := <-results:
			assert.Equal(t, ResultFinished, res.Kind)
		case <-time.After(time.Second):
			t.Fatal("not all waiters released")
		}
	}
}
