package idle

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImmediate_RunsSynchronously(t *testing.T) {
	ran := false
	Immediate(func() { ran = true }, time.Hour)
	assert.True(t, ran)
}

func TestScheduler_IdleRunsInRequestOrder(t *testing.T) {
	s := NewScheduler()

	var order []int
	s.Request(func() { order = append(order, 1) }, 0)
	s.Request(func() { order = append(order, 2) }, time.Hour)
	s.Request(func() { order = append(order, 3) }, 0)
	require.Equal(t, 3, s.Pending())

	assert.Equal(t, 3, s.Idle())
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, 0, s.Idle())
}

func TestScheduler_TimeoutRunsOnce(t *testing.T) {
	s := NewScheduler()

	var calls atomic.Int32
	done := make(chan struct{})
	s.Request(func() {
		calls.Add(1)
		close(done)
	}, 10*time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run after its timeout")
	}

	assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	s.Idle()
	assert.Equal(t, int32(1), calls.Load())
}

func TestScheduler_IdleBeforeTimeoutCancelsTimer(t *testing.T) {
	s := NewScheduler()

	var calls atomic.Int32
	s.Request(func() { calls.Add(1) }, 20*time.Millisecond)
	s.Idle()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}
