package security

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/buzkaaclicker/agora"
)

const (
	DefaultRateLimitMaxAttempts = 100
	DefaultRateLimitWindow      = 15 * time.Minute

	maxLockoutExponent = 5
	violationsTTL      = 24 * time.Hour
)

// RateLimiter is a sliding window limiter with progressive lockout. All state
// lives in the shared KV so every instance sees the same counters.
type RateLimiter struct {
	KV          agora.KV
	MaxAttempts int
	Window      time.Duration
	Now         func() time.Time
}

type RateLimitResult struct {
	Allowed bool
	// RetryAfter is the remaining lockout in whole seconds, rounded up.
	RetryAfter int
	Violations int64
}

func rateLimitKey(identifier string) string {
	return "rate_limit:" + identifier
}

func rateLimitLockKey(identifier string) string {
	return "rate_limit_lock:" + identifier
}

func rateLimitViolationsKey(identifier string) string {
	return "rate_limit_violations:" + identifier
}

func (l *RateLimiter) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

func (l *RateLimiter) maxAttempts() int {
	if l.MaxAttempts <= 0 {
		return DefaultRateLimitMaxAttempts
	}
	return l.MaxAttempts
}

func (l *RateLimiter) window() time.Duration {
	if l.Window <= 0 {
		return DefaultRateLimitWindow
	}
	return l.Window
}

// Lockout returns the lockout duration after the given number of violations:
// window * 2^min(violations/maxAttempts, 5).
func (l *RateLimiter) Lockout(violations int64) time.Duration {
	exponent := math.Min(float64(violations)/float64(l.maxAttempts()), maxLockoutExponent)
	return time.Duration(float64(l.window()) * math.Pow(2, exponent))
}

// Hit registers one attempt of identifier.
func (l *RateLimiter) Hit(ctx context.Context, identifier string) (RateLimitResult, error) {
	now := l.now()

	lockedUntil, err := l.lockedUntil(ctx, identifier)
	if err != nil {
		return RateLimitResult{}, err
	}
	if now.Before(lockedUntil) {
		return RateLimitResult{Allowed: false, RetryAfter: retryAfterSeconds(lockedUntil.Sub(now))}, nil
	}

	attemptsKey := rateLimitKey(identifier)
	stamps, err := l.KV.LRange(ctx, attemptsKey, 0, -1)
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("read attempts: %w", err)
	}
	windowStart := now.Add(-l.window())
	recent := 0
	for _, stamp := range stamps {
		millis, err := strconv.ParseInt(stamp, 10, 64)
		if err != nil {
			continue
		}
		if time.UnixMilli(millis).After(windowStart) {
			recent++
		}
	}

	if recent >= l.maxAttempts() {
		violations, err := l.KV.Incr(ctx, rateLimitViolationsKey(identifier), violationsTTL)
		if err != nil {
			return RateLimitResult{}, fmt.Errorf("count violation: %w", err)
		}
		lockout := l.Lockout(violations)
		lockedUntil := now.Add(lockout)
		err = l.KV.Set(ctx, rateLimitLockKey(identifier), strconv.FormatInt(lockedUntil.UnixMilli(), 10), lockout)
		if err != nil {
			return RateLimitResult{}, fmt.Errorf("store lockout: %w", err)
		}
		if err := l.KV.Del(ctx, attemptsKey); err != nil {
			return RateLimitResult{}, fmt.Errorf("reset attempts: %w", err)
		}
		return RateLimitResult{
			Allowed:    false,
			RetryAfter: retryAfterSeconds(lockout),
			Violations: violations,
		}, nil
	}

	if err := l.KV.LPush(ctx, attemptsKey, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		return RateLimitResult{}, fmt.Errorf("record attempt: %w", err)
	}
	if err := l.KV.LTrim(ctx, attemptsKey, 0, int64(l.maxAttempts()-1)); err != nil {
		return RateLimitResult{}, fmt.Errorf("trim attempts: %w", err)
	}
	if err := l.KV.Expire(ctx, attemptsKey, l.window()); err != nil {
		return RateLimitResult{}, fmt.Errorf("expire attempts: %w", err)
	}
	return RateLimitResult{Allowed: true}, nil
}

func (l *RateLimiter) lockedUntil(ctx context.Context, identifier string) (time.Time, error) {
	value, err := l.KV.Get(ctx, rateLimitLockKey(identifier))
	if err != nil {
		if errors.Is(err, agora.ErrKeyNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("read lockout: %w", err)
	}
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse lockout: %w", err)
	}
	return time.UnixMilli(millis), nil
}

func retryAfterSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
