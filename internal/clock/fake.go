package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.waitersChanged = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. After and Sleep register
// waiters that fire when Advance moves the clock past their deadline.
type FakeClock struct {
	mu             sync.Mutex
	current        time.Time
	waiters        []*fakeWaiter
	waitersChanged *sync.Cond
	registered     int
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
}

var _ Clock = (*FakeClock)(nil)

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock has advanced by d.
// If d <= 0 the channel receives immediately without registering a waiter.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}

	c.waiters = append(c.waiters, &fakeWaiter{deadline: c.current.Add(d), channel: ch})
	c.registered++
	c.waitersChanged.Broadcast()
	return ch
}

// Sleep blocks until the clock advances past now+d.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline falls within the new time, in deadline order. Sends are
// non-blocking; each waiter channel has capacity 1.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current

	var fire, remaining []*fakeWaiter
	for _, w := range c.waiters {
		if !w.deadline.After(target) {
			fire = append(fire, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.waitersChanged.Broadcast()
	c.mu.Unlock()

	sort.Slice(fire, func(i, j int) bool { return fire[i].deadline.Before(fire[j].deadline) })
	for _, w := range fire {
		select {
		case w.channel <- target:
		default:
		}
	}
}

// WaitForTimers blocks until at least n waiters are pending. It removes
// the race between a goroutine registering a wait and the test advancing
// the clock.
//
//	go func() { fake.Sleep(2 * time.Second) }()
//	fake.WaitForTimers(1)
//	fake.Advance(2 * time.Second)
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.waitersChanged.Wait()
	}
}

// PendingCount returns the number of registered waiters that have not fired.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Registered returns how many waits have been registered since creation,
// including ones that already fired.
func (c *FakeClock) Registered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}
