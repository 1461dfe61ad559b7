// Package retry holds the bounded backoff policy shared by the id generator,
// the version guard and the webhook ledger's in-flight wait.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy describes a bounded retry schedule. Attempts are numbered from 1.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter spreads each delay uniformly over [delay/2, delay].
	Jitter bool
	// Exponential doubles the delay per attempt; otherwise the delay is fixed at BaseDelay.
	Exponential bool
}

// Fixed returns a policy that sleeps the same delay between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: delay, MaxDelay: delay}
}

// Jittered returns a capped exponential policy with jitter.
func Jittered(attempts int, base, max time.Duration) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: base, MaxDelay: max, Jitter: true, Exponential: true}
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the pause to take after the given failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	if p.Exponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				d = p.MaxDelay
				break
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 1 {
		half := d / 2
		d = half + time.Duration(rand.Int64N(int64(d-half)+1))
	}
	return d
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it reports done, returns an error, or the attempts run out.
// It reports whether fn finished and how many attempts were made.
func Do(ctx context.Context, p Policy, fn func(attempt int) (done bool, err error)) (bool, int, error) {
	max := p.attempts()
	for attempt := 1; attempt <= max; attempt++ {
		done, err := fn(attempt)
		if err != nil || done {
			return done, attempt, err
		}
		if attempt == max {
			break
		}
		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return false, attempt, err
		}
	}
	return false, max, nil
}
