package fake

import (
	"sync"
	"time"

	"stevedore/internal/release"
)

var _ release.Clock = (*Clock)(nil)

// Clock is a release clock for tests. Each Now call returns the current
// time and then moves it on by Step, so stage timestamps are strictly
// ordered without sleeping.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	Step time.Duration
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = now.Add(c.Step)
	return now
}

// Advance simulates a slow external step, such as an image build.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
