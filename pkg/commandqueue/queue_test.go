package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := New()
	defer cq.Close()

	executed := false
	task := func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	}

	result, err := cq.Enqueue("test", task, nil)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := New()
	defer cq.Close()

	expectedErr := errors.New("task failed")
	task := func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	}

	result, err := cq.Enqueue("test", task, nil)

	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestCommandQueue_TaskPanic(t *testing.T) {
	cq := New()
	defer cq.Close()

	_, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) {
		panic("boom")
	}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "task panicked")
}

func TestCommandQueue_SerialExecution(t *testing.T) {
	cq := New()
	defer cq.Close()

	var running, maxRunning int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue("workflow:serial", func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&maxRunning)
					if n <= old || atomic.CompareAndSwapInt32(&maxRunning, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil, nil
			}, nil)
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestCommandQueue_ConcurrentLanes(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{}, 2)

	for _, lane := range []string{"workflow:a", "workflow:b"} {
		lane := lane
		go func() {
			_, _ = cq.Enqueue(lane, func(ctx context.Context) (interface{}, error) {
				started <- struct{}{}
				<-release
				return nil, nil
			}, nil)
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("lanes did not run concurrently")
		}
	}
	close(release)
}

func TestCommandQueue_IsBusyAndPrune(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _ = cq.Enqueue("workflow:busy", func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		}, nil)
	}()

	require.Eventually(t, func() bool { return cq.IsBusy("workflow:busy") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, cq.GetStats()["workflow:busy"]["running"])

	close(release)
	<-done

	require.Eventually(t, func() bool {
		_, exists := cq.GetStats()["workflow:busy"]
		return !exists
	}, time.Second, 5*time.Millisecond)
	assert.False(t, cq.IsBusy("workflow:busy"))
}

func TestCommandQueue_WarnAfter(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue("workflow:slow", func(ctx context.Context) (interface{}, error) {
			<-release
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return cq.GetStats()["workflow:slow"]["running"] == 1 }, time.Second, 5*time.Millisecond)

	waited := make(chan int, 1)
	go func() {
		_, _ = cq.Enqueue("workflow:slow", func(ctx context.Context) (interface{}, error) { return nil, nil }, &TaskOptions{
			WarnAfter: 10 * time.Millisecond,
			OnWait: func(wait time.Duration, queuePos int) {
				waited <- queuePos
			},
		})
	}()

	select {
	case pos := <-waited:
		assert.Equal(t, 0, pos)
	case <-time.After(time.Second):
		t.Fatal("OnWait was not called")
	}
	close(release)
}

func TestCommandQueue_WaitForActive(t *testing.T) {
	tests := []struct {
		name     string
		work     time.Duration
		timeout  time.Duration
		expected bool
	}{
		{"should report drained lanes", 30 * time.Millisecond, time.Second, true},
		{"should give up after the timeout", time.Second, 20 * time.Millisecond, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cq := New()
			defer cq.Close()

			go func() {
				_, _ = cq.Enqueue("workflow:drain", func(ctx context.Context) (interface{}, error) {
					select {
					case <-time.After(tt.work):
					case <-ctx.Done():
					}
					return nil, nil
				}, nil)
			}()
			require.Eventually(t, func() bool { return cq.IsBusy("workflow:drain") }, time.Second, 5*time.Millisecond)

			assert.Equal(t, tt.expected, cq.WaitForActive(tt.timeout))
		})
	}
}

func TestCommandQueue_Close(t *testing.T) {
	cq := New()

	cancelled := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue("test", func(ctx context.Context) (interface{}, error) {
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		}, nil)
	}()
	require.Eventually(t, func() bool { return cq.GetStats()["test"]["running"] == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, cq.Close())
	<-cancelled

	_, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) { return nil, nil }, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMetricLane(t *testing.T) {
	assert.Equal(t, "workflow", metricLane("workflow:agentic-loop-id-1"))
	assert.Equal(t, "main", metricLane("main"))
}
