// Package retry provides retry policies for storage transactions and outbox
// delivery.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy defines how a failing operation is retried.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// 0 means no limit.
	MaxAttempts int

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the delay between retries.
	MaxInterval time.Duration

	// Multiplier grows the interval after every retry.
	Multiplier float64

	// RandomizationFactor adds jitter to the delay.
	// A value of 0.5 means the actual delay will be within [delay * 0.5, delay * 1.5].
	RandomizationFactor float64

	// NonRetryableErrors are matched with errors.Is and stop retrying.
	NonRetryableErrors []error
}

// DefaultPolicy returns the policy used for outbox delivery.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:         5,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// NoRetry returns a policy that runs the operation once.
func NoRetry() *Policy {
	return &Policy{MaxAttempts: 1}
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(maxAttempts int, interval time.Duration) *Policy {
	return &Policy{
		MaxAttempts:     maxAttempts,
		InitialInterval: interval,
		MaxInterval:     interval,
		Multiplier:      1.0,
	}
}

// Exponential returns an exponential backoff policy with jitter.
func Exponential(maxAttempts int, initial, max time.Duration, multiplier float64) *Policy {
	return &Policy{
		MaxAttempts:         maxAttempts,
		InitialInterval:     initial,
		MaxInterval:         max,
		Multiplier:          multiplier,
		RandomizationFactor: 0.5,
	}
}

// ShouldRetry reports whether another attempt may follow attempts failed ones.
func (p *Policy) ShouldRetry(attempts int, err error) bool {
	if p == nil {
		return false
	}
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	for _, nonRetryable := range p.NonRetryableErrors {
		if errors.Is(err, nonRetryable) {
			return false
		}
	}
	return true
}

// GetDelay returns the delay after the given number of failed attempts.
func (p *Policy) GetDelay(attempts int) time.Duration {
	if attempts <= 1 {
		return p.addJitter(p.InitialInterval)
	}

	delay := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempts-1))
	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}
	return p.addJitter(time.Duration(delay))
}

func (p *Policy) addJitter(delay time.Duration) time.Duration {
	if p.RandomizationFactor == 0 {
		return delay
	}
	factor := 1.0 + p.RandomizationFactor*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * factor)
}

// Do runs fn until it succeeds or p gives up, sleeping between attempts.
// The last error is returned. A nil policy runs fn once.
func Do(ctx context.Context, p *Policy, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !p.ShouldRetry(attempt, err) {
			return err
		}

		timer := time.NewTimer(p.GetDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}
