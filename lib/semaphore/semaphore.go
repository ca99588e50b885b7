// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package semaphore provides a weighted semaphore that grants
// capacity strictly in arrival order. FIFO grant order prevents large
// requests from starving behind an endless stream of small ones, and
// prevents small requests from starving behind a stuck large one.
package semaphore

import (
	"container/list"
	"context"
	"sync"
)

// Semaphore is the interface shared by the weighted semaphore and the
// no-op variant used for copy containers, which don't consume the CPU
// budget.
type Semaphore interface {
	// Acquire blocks until weight units of capacity are available
	// or ctx is done. Grants are strictly FIFO: a later request
	// for less weight never jumps ahead of an earlier blocked
	// request for more.
	Acquire(ctx context.Context, weight int64) error
	// Release returns weight units of capacity and wakes
	// consecutive waiters from the head of the queue whose weight
	// fits, stopping at the first that doesn't.
	Release(weight int64)
}

// FIFOWeighted is a weighted semaphore with strict arrival-order
// grants. The zero value is unusable; call NewFIFOWeighted.
type FIFOWeighted struct {
	mtx     sync.Mutex
	value   int64
	waiters list.List // of *waiter
}

type waiter struct {
	weight int64
	ready  chan struct{} // closed when granted
}

// NewFIFOWeighted returns a semaphore with the given capacity.
func NewFIFOWeighted(capacity int64) *FIFOWeighted {
	return &FIFOWeighted{value: capacity}
}

// Acquire implements Semaphore.
func (s *FIFOWeighted) Acquire(ctx context.Context, weight int64) error {
	s.mtx.Lock()
	if s.waiters.Len() == 0 && s.value >= weight {
		s.value -= weight
		s.mtx.Unlock()
		return nil
	}
	w := &waiter{weight: weight, ready: make(chan struct{})}
	elem := s.waiters.PushBack(w)
	s.mtx.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		s.mtx.Lock()
		select {
		case <-w.ready:
			// Granted while we were cancelling: give the
			// capacity back so accounting stays correct.
			s.mtx.Unlock()
			s.Release(weight)
		default:
			s.waiters.Remove(elem)
			s.mtx.Unlock()
		}
		return ctx.Err()
	}
}

// Release implements Semaphore.
func (s *FIFOWeighted) Release(weight int64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.value += weight
	for {
		front := s.waiters.Front()
		if front == nil {
			break
		}
		head := front.Value.(*waiter)
		if s.value < head.weight {
			break
		}
		s.value -= head.weight
		s.waiters.Remove(front)
		close(head.ready)
	}
}

// Available returns the capacity not currently held. Held capacity
// plus Available always equals the initial capacity.
func (s *FIFOWeighted) Available() int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.value
}

// Waiters returns the number of blocked Acquire calls.
func (s *FIFOWeighted) Waiters() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.waiters.Len()
}

// Null is a Semaphore with no accounting: Acquire and Release are
// no-ops. It never blocks and never fails.
type Null struct{}

// Acquire implements Semaphore.
func (Null) Acquire(ctx context.Context, weight int64) error { return nil }

// Release implements Semaphore.
func (Null) Release(weight int64) {}
