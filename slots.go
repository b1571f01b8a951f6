package bytepipe

import (
	"context"
	"sync"
)

// slot is a single-cell parked-continuation store (C5). Go has no
// first-class continuations, so each slot is realized as the idiomatic
// stand-in called for in spec.md §9: a mutex-guarded condition variable
// behind a non-blocking predicate, the same shape as the producer/consumer
// buffer in the example pack's glycerine/xcryptossh ssh buffer — install,
// re-check, wait, re-check on wake.
//
// At most one goroutine parks on a slot at a time; a second concurrent
// parker is the "operation already in progress" misuse spec.md §4.4
// describes, and is reported as ErrIllegalState.
type slot struct {
	mu      sync.Mutex
	cond    *sync.Cond
	parked  bool
	waiters int
}

func newSlot() *slot {
	s := &slot{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// wait blocks until predicate() reports true, or ctx is done. predicate is
// evaluated under the slot's mutex so callers can safely read/write shared
// state it closes over as long as that state is only otherwise touched
// under the same mutex or via atomics.
func (s *slot) wait(ctx context.Context, predicate func() bool) error {
	s.mu.Lock()
	if predicate() {
		s.mu.Unlock()
		return nil
	}
	if s.parked {
		s.mu.Unlock()
		return ErrIllegalState
	}
	s.parked = true
	s.waiters++
	defer func() {
		s.waiters--
		s.parked = false
	}()

	if ctx == nil || ctx.Done() == nil {
		for !predicate() {
			s.cond.Wait()
		}
		s.mu.Unlock()
		return nil
	}

	// ctx carries a cancellation channel: run a watcher goroutine that
	// wakes the cond on ctx.Done() so Wait() can re-check and bail out.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()

	for !predicate() {
		if err := ctx.Err(); err != nil {
			s.mu.Unlock()
			return err
		}
		s.cond.Wait()
	}
	s.mu.Unlock()
	return nil
}

// wake resumes whatever goroutine is parked on this slot, if any. Safe to
// call whether or not anyone is waiting.
func (s *slot) wake() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *slot) inProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parked
}
