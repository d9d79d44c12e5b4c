package tunnel

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// Activity records when a tunnel was last used, so idle tunnels can be
// closed. The zero value is not usable; call NewActivity.
type Activity struct {
	clock clock.Clock

	mu   sync.Mutex
	last time.Time
}

// NewActivity starts tracking at the current time of clk. A nil clock is
// the wall clock.
func NewActivity(clk clock.Clock) *Activity {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Activity{clock: clk, last: clk.Now()}
}

// Touch marks the tunnel as used now.
func (a *Activity) Touch() {
	now := a.clock.Now()
	a.mu.Lock()
	if now.After(a.last) {
		a.last = now
	}
	a.mu.Unlock()
}

// Last returns the time of the last use.
func (a *Activity) Last() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// IdleFor returns the time since the last use.
func (a *Activity) IdleFor() time.Duration {
	return a.clock.Now().Sub(a.Last())
}

// Expired reports whether the tunnel has been idle for at least timeout.
// A non-positive timeout never expires.
func (a *Activity) Expired(timeout time.Duration) bool {
	return timeout > 0 && a.IdleFor() >= timeout
}
