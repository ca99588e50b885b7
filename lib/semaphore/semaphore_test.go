// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package semaphore

import (
	"context"
	"sync"
	"testing"
	"time"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&SemaphoreSuite{})

type SemaphoreSuite struct{}

// Grants must occur in arrival order, never reordered by weight: a
// small request issued later must not overtake an earlier large
// request that is still blocked, even when the small one would fit.
func (*SemaphoreSuite) TestFIFOOrder(c *check.C) {
	s := NewFIFOWeighted(10)
	ctx := context.Background()

	c.Assert(s.Acquire(ctx, 8), check.IsNil)

	var mtx sync.Mutex
	var order []int
	var wg sync.WaitGroup
	acquire := func(id int, weight int64) {
		defer wg.Done()
		c.Check(s.Acquire(ctx, weight), check.IsNil)
		mtx.Lock()
		order = append(order, id)
		mtx.Unlock()
	}

	// Queue a large request first, then smaller ones that would
	// fit in the 2 units still available.
	wg.Add(1)
	go acquire(1, 6)
	for s.Waiters() < 1 {
		time.Sleep(time.Millisecond)
	}
	wg.Add(2)
	go acquire(2, 1)
	for s.Waiters() < 2 {
		time.Sleep(time.Millisecond)
	}
	go acquire(3, 1)
	for s.Waiters() < 3 {
		time.Sleep(time.Millisecond)
	}

	mtx.Lock()
	c.Check(order, check.HasLen, 0)
	mtx.Unlock()

	s.Release(8)
	wg.Wait()
	c.Check(order, check.DeepEquals, []int{1, 2, 3})
}

// available + sum(held weights) == total capacity at every step.
func (*SemaphoreSuite) TestCapacityConservation(c *check.C) {
	const capacity = 16
	s := NewFIFOWeighted(capacity)
	ctx := context.Background()

	var held int64
	weights := []int64{3, 5, 1, 7}
	for _, w := range weights {
		c.Assert(s.Acquire(ctx, w), check.IsNil)
		held += w
		c.Check(s.Available()+held, check.Equals, int64(capacity))
	}
	for _, w := range weights {
		s.Release(w)
		held -= w
		c.Check(s.Available()+held, check.Equals, int64(capacity))
	}
	c.Check(s.Available(), check.Equals, int64(capacity))
}

func (*SemaphoreSuite) TestReleaseWakesConsecutiveFits(c *check.C) {
	s := NewFIFOWeighted(4)
	ctx := context.Background()
	c.Assert(s.Acquire(ctx, 4), check.IsNil)

	granted := make(chan int64, 3)
	var wg sync.WaitGroup
	for _, w := range []int64{2, 1, 3} {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Check(s.Acquire(ctx, w), check.IsNil)
			granted <- w
		}()
		for s.Waiters() < len(granted)+1 {
			time.Sleep(time.Millisecond)
		}
	}

	// Releasing 4 fits the first two waiters (2+1) but not the
	// third (3): the walk stops at the first waiter that doesn't
	// fit.
	s.Release(4)
	c.Check(<-granted, check.Equals, int64(2))
	c.Check(<-granted, check.Equals, int64(1))
	select {
	case w := <-granted:
		c.Fatalf("waiter with weight %d granted ahead of capacity", w)
	case <-time.After(50 * time.Millisecond):
	}

	s.Release(2)
	c.Check(<-granted, check.Equals, int64(3))
	wg.Wait()
}

func (*SemaphoreSuite) TestAcquireCancelled(c *check.C) {
	s := NewFIFOWeighted(1)
	c.Assert(s.Acquire(context.Background(), 1), check.IsNil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Acquire(ctx, 1)
	}()
	for s.Waiters() < 1 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	c.Check(<-done, check.Equals, context.Canceled)
	c.Check(s.Waiters(), check.Equals, 0)

	// The cancelled waiter must not have leaked capacity.
	s.Release(1)
	c.Check(s.Available(), check.Equals, int64(1))
}

func (*SemaphoreSuite) TestNull(c *check.C) {
	var s Semaphore = Null{}
	c.Check(s.Acquire(context.Background(), 1<<40), check.IsNil)
	s.Release(1 << 40)
}
