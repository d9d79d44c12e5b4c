package resolver

import (
	"context"
	"log"
	"time"

	"github.com/juju/clock"
)

// FetchFunc performs one full lookup and returns the matching ids, newest
// first.
type FetchFunc func(ctx context.Context) ([]string, error)

// Policy is the two-phase wait shared by registry and log based lookups.
//
// Phase A polls every PollInterval until the first match shows up. Phase B
// re-polls every CatchUpInterval, at most CatchUpAttempts times, until the
// expected number of matches is reached. Both phases draw from one
// wall-clock budget measured on Clock.
type Policy struct {
	PollInterval    time.Duration
	CatchUpInterval time.Duration
	CatchUpAttempts int
	Clock           clock.Clock
}

// DefaultPolicy returns the intervals agents are tuned for: registration
// usually lands within tens of seconds, peers of a distributed job within a
// few minutes.
func DefaultPolicy() Policy {
	return Policy{
		PollInterval:    10 * time.Second,
		CatchUpInterval: 30 * time.Second,
		CatchUpAttempts: 5,
		Clock:           clock.WallClock,
	}
}

func (p Policy) clock() clock.Clock {
	if p.Clock == nil {
		return clock.WallClock
	}
	return p.Clock
}

// Converge runs fetch until it yields at least expected ids or the budget
// runs out, and returns whatever the last fetch produced. A zero timeout is
// a single lookup. Fetch errors abort the wait and are returned as is.
// Fewer results than expected is not an error.
func (p Policy) Converge(ctx context.Context, fetch FetchFunc, timeout time.Duration, expected int) ([]string, error) {
	clk := p.clock()
	deadline := clk.Now().Add(timeout)
	remaining := func() time.Duration { return deadline.Sub(clk.Now()) }

	ids, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	for len(ids) == 0 && remaining() > 0 {
		log.Printf("[resolver] no match yet, retrying in %s (%s left)", p.PollInterval, remaining().Round(time.Second))
		if err := p.sleep(ctx, clk, p.PollInterval); err != nil {
			return ids, err
		}
		if ids, err = fetch(ctx); err != nil {
			return nil, err
		}
	}

	if len(ids) == 0 || timeout <= 0 {
		return ids, nil
	}

	for attempt := 1; len(ids) < expected && attempt <= p.CatchUpAttempts; attempt++ {
		if remaining() <= 0 {
			break
		}
		log.Printf("[resolver] found %d of %d, catch-up %d/%d in %s",
			len(ids), expected, attempt, p.CatchUpAttempts, p.CatchUpInterval)
		if err := p.sleep(ctx, clk, p.CatchUpInterval); err != nil {
			return ids, err
		}
		fresh, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		ids = fresh
	}

	return ids, nil
}

func (p Policy) sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	select {
	case <-clk.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
