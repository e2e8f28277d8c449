package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolSubmit(t *testing.T) {
	p, err := New("test", &Config{Capacity: 10, ExpiryDuration: time.Second})
	require.NoError(t, err)
	defer p.Release()

	assert.Equal(t, "test", p.Name())
	assert.Equal(t, 10, p.Cap())

	var counter atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		err := p.Submit(func() {
			defer wg.Done()
			counter.Add(1)
		})
		if !assert.NoError(t, err) {
			wg.Done()
		}
	}
	wg.Wait()

	assert.Equal(t, int32(100), counter.Load())
	assert.Equal(t, int64(100), p.Stats().Submitted)
}

func TestPoolNonblockingOverload(t *testing.T) {
	p, err := New("overload", &Config{Capacity: 1, Nonblocking: true})
	require.NoError(t, err)
	defer p.Release()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func() {
		close(started)
		<-release
	}))
	<-started

	err = p.Submit(func() {})
	assert.ErrorIs(t, err, ErrPoolOverload)
	assert.Equal(t, int64(1), p.Stats().Rejected)

	close(release)
}

func TestPoolReleaseRejectsNewTasks(t *testing.T) {
	p, err := New("released", DefaultConfig())
	require.NoError(t, err)

	p.Release()
	p.Release()

	assert.ErrorIs(t, p.Submit(func() {}), ErrPoolClosed)
	assert.NoError(t, p.ReleaseTimeout(time.Second))
}

func TestPoolReleaseLeavesRunningTasks(t *testing.T) {
	p, err := New("running", DefaultConfig())
	require.NoError(t, err)

	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan struct{})
	require.NoError(t, p.Submit(func() {
		close(started)
		<-finish
		close(done)
	}))
	<-started

	p.Release()
	close(finish)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("running task did not finish after release")
	}
}

func TestPoolPanicHandler(t *testing.T) {
	recovered := make(chan any, 1)
	p, err := New("panics", &Config{
		Capacity:     2,
		PanicHandler: func(v any) { recovered <- v },
	})
	require.NoError(t, err)
	defer p.Release()

	require.NoError(t, p.Submit(func() { panic("boom") }))

	select {
	case v := <-recovered:
		assert.Equal(t, "boom", v)
	case <-time.After(2 * time.Second):
		t.Fatal("panic handler was not called")
	}
	assert.Eventually(t, func() bool { return p.Stats().Panics == 1 }, time.Second, 10*time.Millisecond)
}
