// Package ratelimit enforces the minimum interval between generation calls.
package ratelimit

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// CooldownError tells the caller how long to wait before trying again.
type CooldownError struct {
	Wait time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("Please wait %.1f seconds", math.Max(e.Wait.Seconds(), 0.1))
}

// Cooldown admits one generation call per interval across the process. A
// zero interval admits everything.
type Cooldown struct {
	limiter  *rate.Limiter
	interval time.Duration
	now      func() time.Time
}

func NewCooldown(interval time.Duration) *Cooldown {
	c := &Cooldown{interval: interval, now: time.Now}
	if interval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return c
}

// Acquire claims the next slot or returns a *CooldownError.
func (c *Cooldown) Acquire() error {
	if c == nil || c.limiter == nil {
		return nil
	}
	now := c.now()
	r := c.limiter.ReserveN(now, 1)
	if !r.OK() {
		return &CooldownError{Wait: c.interval}
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return &CooldownError{Wait: d}
	}
	return nil
}

// Complete restarts the interval from the end of a successful call, so a
// slow generation does not leave the next one free to start immediately.
func (c *Cooldown) Complete() {
	if c == nil || c.limiter == nil {
		return
	}
	c.limiter.AllowN(c.now(), 1)
}

func (c *Cooldown) Interval() time.Duration {
	if c == nil {
		return 0
	}
	return c.interval
}
