// Package idle provides deferred callback scheduling with the shape of a
// host idle-callback API: a callback plus a timeout after which it runs
// even if the host never becomes idle.
package idle

import (
	"sync"
	"time"
)

// Func schedules cb to run once the host is idle or timeout has elapsed.
type Func func(cb func(), timeout time.Duration)

// Immediate runs cb synchronously. A Go host without an event loop has no
// busy period to wait out, so this is the default.
func Immediate(cb func(), _ time.Duration) {
	cb()
}

type task struct {
	once  sync.Once
	cb    func()
	timer *time.Timer
}

func (t *task) run() {
	t.once.Do(func() {
		if t.timer != nil {
			t.timer.Stop()
		}
		t.cb()
	})
}

// Scheduler holds callbacks until Idle is called or their timeout fires.
// Every callback runs exactly once.
type Scheduler struct {
	mu      sync.Mutex
	pending []*task
}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Request queues cb. A non-positive timeout means the callback only runs on Idle.
func (s *Scheduler) Request(cb func(), timeout time.Duration) {
	t := &task{cb: cb}

	s.mu.Lock()
	s.pending = append(s.pending, t)
	if timeout > 0 {
		t.timer = time.AfterFunc(timeout, func() {
			s.forget(t)
			t.run()
		})
	}
	s.mu.Unlock()
}

// Idle runs every queued callback on the calling goroutine in request
// order and returns how many ran.
func (s *Scheduler) Idle() int {
	s.mu.Lock()
	tasks := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, t := range tasks {
		t.run()
	}
	return len(tasks)
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) forget(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pending {
		if p == t {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}
