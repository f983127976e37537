package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunnerRunsSubmittedTasks(t *testing.T) {
	r := NewRunner(Config{Workers: 2, QueueSize: 8}, nil)

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		assert.True(t, r.Submit("count", func(context.Context) error {
			defer wg.Done()
			n.Add(1)
			return nil
		}))
	}
	wg.Wait()
	assert.NoError(t, r.Close())
	assert.Equal(t, int32(5), n.Load())
}

func TestRunnerSwallowsFailuresAndPanics(t *testing.T) {
	r := NewRunner(Config{Workers: 1, QueueSize: 4}, nil)

	done := make(chan struct{})
	r.Submit("fail", func(context.Context) error { return errors.New("boom") }, "session_id", "s1")
	r.Submit("panic", func(context.Context) error { panic("unexpected") })
	r.Submit("after", func(context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	assert.NoError(t, r.Close())
	assert.Equal(t, int64(2), r.Stats()["failed"])
}

func TestRunnerDropsOldestWhenFull(t *testing.T) {
	r := NewRunner(Config{Workers: 1, QueueSize: 2}, nil)

	gate := make(chan struct{})
	started := make(chan struct{})
	r.Submit("block", func(context.Context) error {
		close(started)
		<-gate
		return nil
	})
	<-started

	var ran sync.Map
	for _, name := range []string{"a", "b", "c"} {
		r.Submit(name, func(context.Context) error {
			ran.Store(name, true)
			return nil
		})
	}
	close(gate)
	assert.NoError(t, r.Close())

	_, a := ran.Load("a")
	_, b := ran.Load("b")
	_, c := ran.Load("c")
	assert.False(t, a, "oldest queued task is dropped")
	assert.True(t, b)
	assert.True(t, c)
	assert.Equal(t, int64(1), r.Stats()["dropped"])
}

func TestRunnerCloseDrainsQueue(t *testing.T) {
	r := NewRunner(Config{Workers: 1, QueueSize: 16}, nil)

	var n atomic.Int32
	for i := 0; i < 10; i++ {
		r.Submit("slow", func(context.Context) error {
			time.Sleep(time.Millisecond)
			n.Add(1)
			return nil
		})
	}
	assert.NoError(t, r.Close())
	assert.Equal(t, int32(10), n.Load())
	assert.False(t, r.Submit("late", func(context.Context) error { return nil }))
	assert.NoError(t, r.Close(), "second close is a no-op")
}

func TestRunnerCloseTimeoutCancelsStuckTask(t *testing.T) {
	r := NewRunner(Config{Workers: 1, QueueSize: 1, CloseTimeout: 50 * time.Millisecond}, nil)

	started := make(chan struct{})
	var cancelled atomic.Bool
	r.Submit("stuck", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})
	<-started

	assert.NoError(t, r.Close())
	assert.True(t, cancelled.Load())
}
