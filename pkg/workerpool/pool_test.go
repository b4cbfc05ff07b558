package workerpool

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aditya/fimwatch/pkg/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSize(t *testing.T) {
	size := DefaultSize()
	assert.GreaterOrEqual(t, size, 2)
	assert.LessOrEqual(t, size, MaxDefaultWorkers)
}

func TestPool_SubmitAndAwait(t *testing.T) {
	p := New(2, logrus.New())
	defer p.Shutdown(time.Second)

	h := p.Submit(func() (any, error) {
		return "digest", nil
	})

	result, err := h.Await(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "digest", result)
}

func TestPool_TaskError(t *testing.T) {
	p := New(1, nil)
	defer p.Shutdown(time.Second)

	boom := errors.New("boom")
	_, err := p.Submit(func() (any, error) { return nil, boom }).Await(time.Second)
	assert.ErrorIs(t, err, boom)
}

func TestPool_AwaitTimeout(t *testing.T) {
	p := New(1, nil)
	defer p.Shutdown(time.Second)

	release := make(chan struct{})
	h := p.Submit(func() (any, error) {
		<-release
		return nil, nil
	})

	_, err := h.Await(20 * time.Millisecond)
	assert.ErrorIs(t, err, model.ErrTimeout)

	close(release)
	_, err = h.Await(time.Second)
	assert.NoError(t, err)
}

func TestPool_RecoversPanic(t *testing.T) {
	p := New(1, nil)
	defer p.Shutdown(time.Second)

	_, err := p.Submit(func() (any, error) { panic("bad task") }).Await(time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad task")

	// The worker survives the panic.
	result, err := p.Submit(func() (any, error) { return 1, nil }).Await(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, result)
}

func TestPool_BoundedConcurrency(t *testing.T) {
	p := New(2, nil)
	defer p.Shutdown(time.Second)

	var running, peak int32
	handles := make([]*Handle, 0, 10)
	for i := 0; i < 10; i++ {
		handles = append(handles, p.Submit(func() (any, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil, nil
		}))
	}

	for _, h := range handles {
		_, err := h.Await(2 * time.Second)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestPool_ShutdownDrainsQueuedTasks(t *testing.T) {
	p := New(1, nil)

	var done int32
	for i := 0; i < 5; i++ {
		p.Go(func() {
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&done, 1)
		})
	}

	assert.True(t, p.Shutdown(2*time.Second))
	assert.Equal(t, int32(5), atomic.LoadInt32(&done))
}

func TestPool_ShutdownGraceElapses(t *testing.T) {
	p := New(1, nil)

	release := make(chan struct{})
	defer close(release)
	p.Go(func() { <-release })

	assert.False(t, p.Shutdown(20*time.Millisecond))
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	p := New(1, nil)
	require.True(t, p.Shutdown(time.Second))

	_, err := p.Submit(func() (any, error) { return nil, nil }).Await(time.Second)
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Shutdown is idempotent.
	assert.True(t, p.Shutdown(time.Second))
}
