package channel

import "time"

// Policy bounds reconnection after transport loss.
type Policy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy retries five times with a linear delay between 1s and 5s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		MinDelay:    time.Second,
		MaxDelay:    5 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.MinDelay <= 0 {
		p.MinDelay = d.MinDelay
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = max(d.MaxDelay, p.MinDelay)
	}
	return p
}

// Delay returns the wait before the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.MinDelay * time.Duration(max(attempt, 1))
	return min(max(d, p.MinDelay), p.MaxDelay)
}
