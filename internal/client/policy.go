package client

import (
	"context"
	"time"
)

// Policy is the reconnect backoff: Initial, doubling up to Max, for at most
// Attempts dials.
type Policy struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts int
}

// DefaultPolicy waits 250ms, 500ms, 1s ... capped at 5s, for 10 attempts.
func DefaultPolicy() Policy {
	return Policy{
		Initial:  250 * time.Millisecond,
		Max:      5 * time.Second,
		Attempts: 10,
	}
}

// Delay returns the wait before the given attempt, counting from 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Budget is the total time spent waiting if every attempt fails.
func (p Policy) Budget() time.Duration {
	var total time.Duration
	for i := 1; i <= p.Attempts; i++ {
		total += p.Delay(i)
	}
	return total
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
