package schedule

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleOnce(t *testing.T) {
	mock := clock.NewMock()
	s := New("test", mock)
	defer s.Close()

	var runs atomic.Int32
	s.Schedule(time.Second, func() { runs.Add(1) })

	mock.Add(500 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, time.Millisecond)

	mock.Add(time.Minute)
	assert.Equal(t, int32(1), runs.Load())
}

func TestEveryAndCancel(t *testing.T) {
	mock := clock.NewMock()
	s := New("test", mock)
	defer s.Close()

	var runs atomic.Int32
	task := s.Every(0, time.Second, func() { runs.Add(1) })

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	for i := 2; i <= 3; i++ {
		want := int32(i)
		require.Eventually(t, func() bool {
			mock.Add(time.Second)
			return runs.Load() >= want
		}, time.Second, 5*time.Millisecond)
	}

	task.Cancel()
	assert.True(t, task.IsCancelled())
	before := runs.Load()
	mock.Add(10 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, before, runs.Load())
}

func TestZeroDelayRunsWithoutAdvancingClock(t *testing.T) {
	mock := clock.NewMock()
	s := New("test", mock)
	defer s.Close()

	var once, negative atomic.Int32
	s.Schedule(0, func() { once.Add(1) })
	s.Schedule(-time.Second, func() { negative.Add(1) })

	require.Eventually(t, func() bool { return once.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return negative.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, time.Millisecond)

	cancelled := s.Schedule(time.Second, func() { once.Add(1) })
	cancelled.Cancel()
	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), once.Load())
}

func TestTicksNeverOverlap(t *testing.T) {
	s := New("test", clock.New())
	defer s.Close()

	var (
		mu      sync.Mutex
		running int
		maxSeen int
		runs    atomic.Int32
	)
	tick := func() {
		mu.Lock()
		running++
		if running > maxSeen {
			maxSeen = running
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		runs.Add(1)
	}
	s.Every(0, time.Millisecond, tick)
	s.Every(0, time.Millisecond, tick)

	require.Eventually(t, func() bool { return runs.Load() >= 10 }, 2*time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxSeen)
}

func TestCloseCancelsEverything(t *testing.T) {
	mock := clock.NewMock()
	s := New("test", mock)

	var runs atomic.Int32
	task := s.Every(time.Second, time.Second, func() { runs.Add(1) })
	s.Close()
	s.Close()

	assert.True(t, task.IsCancelled())
	assert.Equal(t, 0, s.Pending())
	mock.Add(time.Minute)
	assert.Equal(t, int32(0), runs.Load())

	late := s.Schedule(0, func() { runs.Add(1) })
	assert.True(t, late.IsCancelled())
}

func TestPanickingTaskKeepsWorkerAlive(t *testing.T) {
	s := New("test", clock.New())
	defer s.Close()

	s.Schedule(0, func() { panic("boom") })
	done := make(chan struct{})
	s.Schedule(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after a panicking task")
	}
}
