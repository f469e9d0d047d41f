// Package ratelimit provides a small token-bucket limiter used to pace
// outbound requests to each provider under its published rate limit.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts wall-clock time so limiter behavior is testable without
// real delays.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Limiter is a token bucket: capacity tokens, one refilled every interval.
// Wait blocks until a token is available or the context is done.
type Limiter struct {
	interval time.Duration
	capacity float64

	mu     sync.Mutex
	tokens float64
	last   time.Time
	clock  Clock
}

type Options struct {
	// Interval between refills; determines the steady-state request rate.
	Interval time.Duration
	// Burst is the bucket capacity. Defaults to 1 (strict inter-request delay).
	Burst int
	Clock Clock
}

func New(opts Options) *Limiter {
	interval := opts.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Limiter{
		interval: interval,
		capacity: float64(burst),
		tokens:   float64(burst),
		last:     clock.Now(),
		clock:    clock,
	}
}

// Wait consumes one token, sleeping until the bucket refills if necessary.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refillLocked()
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		deficit := 1 - l.tokens
		wait := time.Duration(deficit * float64(l.interval))
		l.mu.Unlock()
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *Limiter) refillLocked() {
	now := l.clock.Now()
	elapsed := now.Sub(l.last)
	if elapsed <= 0 {
		return
	}
	l.last = now
	l.tokens += float64(elapsed) / float64(l.interval)
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
}

// FakeClock is a deterministic Clock for tests: Sleep advances time
// immediately and records the requested durations.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	slept  []time.Duration
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
		c.slept = append(c.slept, d)
	}
	return nil
}

// Advance moves the fake clock forward without recording a sleep.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SleptTotal returns the cumulative simulated sleep time.
func (c *FakeClock) SleptTotal() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total time.Duration
	for _, d := range c.slept {
		total += d
	}
	return total
}
