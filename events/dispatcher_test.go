package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []int
}

func (r *recorder) add(e int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.events...)
}

func TestDispatchInOrder(t *testing.T) {
	d := NewDispatcher[int]("test", 0)
	defer d.Close()

	var first, second recorder
	d.AddListener(first.add)
	d.AddListener(second.add)
	d.AddListener(nil)

	for i := 0; i < 5; i++ {
		require.True(t, d.Dispatch(i))
	}

	require.Eventually(t, func() bool { return len(second.snapshot()) == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, first.snapshot())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, second.snapshot())
}

func TestDispatchDoesNotBlockOnSlowListener(t *testing.T) {
	d := NewDispatcher[int]("test", 1)
	defer d.Close()

	release := make(chan struct{})
	d.AddListener(func(int) { <-release })

	start := time.Now()
	accepted := 0
	for i := 0; i < 10; i++ {
		if d.Dispatch(i) {
			accepted++
		}
	}
	close(release)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Less(t, accepted, 10)
}

func TestCloseFromListener(t *testing.T) {
	d := NewDispatcher[string]("test", 4)

	var got recorder
	d.AddListener(func(string) {
		got.add(1)
		d.Close()
	})
	require.True(t, d.Dispatch("stop"))

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after Close from listener")
	}
	assert.Equal(t, []int{1}, got.snapshot())
	assert.False(t, d.Dispatch("late"))
}

func TestListenerPanicIsContained(t *testing.T) {
	d := NewDispatcher[int]("test", 4)
	defer d.Close()

	var got recorder
	d.AddListener(func(e int) {
		if e == 0 {
			panic("boom")
		}
	})
	d.AddListener(got.add)

	d.Dispatch(0)
	d.Dispatch(1)
	require.Eventually(t, func() bool { return len(got.snapshot()) == 2 }, time.Second, time.Millisecond)
}
