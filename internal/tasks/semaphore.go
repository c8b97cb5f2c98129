package tasks

import (
	"context"
	"sync"
)

// InterruptibleSemaphore is a counting semaphore whose Acquire can be
// unblocked before a signal is posted. Grounded on
// InterruptableSemaphore, which overrides threading.Semaphore.acquire
// to wait on the internal condition directly instead of polling so a
// bare notify() (no value change) wakes a blocked acquire exactly once.
// golang.org/x/sync/semaphore.Weighted does not fit this role: it
// models a bounded concurrent-resource pool that starts full and is
// drawn down, not a zero-initialized event counter that starts empty
// and is posted to — so this one piece is hand-rolled on a mutex plus a
// close-and-replace wakeup channel, while x/sync earns its keep
// elsewhere in this package (see Manager.Run's errgroup).
type InterruptibleSemaphore struct {
	mu    sync.Mutex
	count int
	wake  chan struct{}
}

// NewInterruptibleSemaphore returns a semaphore with an initial count
// of zero, matching InterruptableSemaphore(0).
func NewInterruptibleSemaphore() *InterruptibleSemaphore {
	return &InterruptibleSemaphore{wake: make(chan struct{})}
}

// Release posts one signal, waking a pending Acquire.
func (s *InterruptibleSemaphore) Release() {
	s.mu.Lock()
	s.count++
	ch := s.wake
	s.wake = make(chan struct{})
	s.mu.Unlock()
	close(ch)
}

// Interrupt wakes a pending Acquire without posting a signal, matching
// interrupt_get's bare condition notify. A woken Acquire observes no
// available count and returns (false, nil), exactly as
// InterruptableSemaphore.acquire returns False from a spurious wakeup.
func (s *InterruptibleSemaphore) Interrupt() {
	s.mu.Lock()
	ch := s.wake
	s.wake = make(chan struct{})
	s.mu.Unlock()
	close(ch)
}

// Acquire performs a single wait, not a retry loop: it returns as soon
// as the count is available, or once woken by Release/Interrupt (acquired
// reports whether a signal was actually available then), or once ctx is
// done. This mirrors acquire(timeout)'s single condition.wait call.
func (s *InterruptibleSemaphore) Acquire(ctx context.Context) (acquired bool, err error) {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return true, nil
	}
	ch := s.wake
	s.mu.Unlock()

	select {
	case <-ch:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.count > 0 {
			s.count--
			return true, nil
		}
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
