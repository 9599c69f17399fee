// Package ratelimit wraps golang.org/x/time/rate with the exchange-ban
// bookkeeping REST snapshot traffic needs: a token bucket per exchange,
// a minimum-spacing guard per symbol, and an explicit ban-until clock.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BannedError is returned by Wait while an exchange-wide ban is active.
type BannedError struct {
	Until time.Time
}

func (e *BannedError) Error() string {
	return fmt.Sprintf("ratelimit: banned until %s", e.Until.Format(time.RFC3339))
}

// Config mirrors the collector's rate_limit options.
type Config struct {
	RequestsPerMinute  int
	Burst              int
	CooldownSeconds    int
	MinSnapshotSpacing time.Duration // per-symbol snapshot spacing; defaults to 120s
}

func (c Config) limiterSettings() (rate.Limit, int) {
	rpm := c.RequestsPerMinute
	if rpm <= 0 {
		rpm = 1200
	}
	burst := c.Burst
	if burst <= 0 {
		burst = rpm / 10
		if burst < 1 {
			burst = 1
		}
	}
	return rate.Limit(float64(rpm) / 60.0), burst
}

// Limiter bounds REST request rate for one exchange and tracks its ban
// state plus an error-count backoff multiplier.
type Limiter struct {
	limiter *rate.Limiter

	mu              sync.Mutex
	bannedUntil     time.Time
	consecutiveErrs int
	minSpacing      time.Duration
	cooldown        time.Duration
	lastSnapshot    map[string]time.Time
}

// New builds a Limiter from cfg.
func New(cfg Config) *Limiter {
	limit, burst := cfg.limiterSettings()
	spacing := cfg.MinSnapshotSpacing
	if spacing <= 0 {
		spacing = 120 * time.Second
	}
	cooldown := time.Duration(cfg.CooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Limiter{
		limiter:      rate.NewLimiter(limit, burst),
		minSpacing:   spacing,
		cooldown:     cooldown,
		lastSnapshot: make(map[string]time.Time),
	}
}

// Wait blocks for a token, returning a *BannedError immediately (no
// blocking) if the exchange is currently banned.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	until := l.bannedUntil
	l.mu.Unlock()
	if !until.IsZero() && time.Now().Before(until) {
		return &BannedError{Until: until}
	}
	return l.limiter.Wait(ctx)
}

// AllowSnapshot reports whether enough time has passed since the last
// snapshot request for symbol, per the minimum-spacing rule.
func (l *Limiter) AllowSnapshot(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.lastSnapshot[symbol]; ok && time.Since(last) < l.minSpacing {
		return false
	}
	l.lastSnapshot[symbol] = time.Now()
	return true
}

// ReportBan records an HTTP 418 ban. unbanAt is the exchange-reported
// unban epoch; a 30s buffer is added on top before requests resume.
func (l *Limiter) ReportBan(unbanAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bannedUntil = unbanAt.Add(30 * time.Second)
}

// ReportRateLimited handles an HTTP 429: the configured cooldown window
// and a 1.5x slower request rate from then on.
func (l *Limiter) ReportRateLimited() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bannedUntil = time.Now().Add(l.cooldown)
	current := float64(l.limiter.Limit())
	l.limiter.SetLimit(rate.Limit(current / 1.5))
}

// ReportError bumps the consecutive-error counter feeding the backoff
// factor (capped at x8).
func (l *Limiter) ReportError() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.consecutiveErrs < 3 {
		l.consecutiveErrs++
	}
}

// ReportSuccess resets the consecutive-error counter.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consecutiveErrs = 0
}

// BackoffMultiplier returns the current error backoff factor (1,2,4,8).
func (l *Limiter) BackoffMultiplier() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := 1
	for i := 0; i < l.consecutiveErrs; i++ {
		m *= 2
	}
	if m > 8 {
		m = 8
	}
	return m
}

// BackoffDelay returns the extra pause (on top of the normal request
// cadence) owed for the current consecutive-error streak: zero with no
// errors, growing to base*7 at the x8 cap.
func (l *Limiter) BackoffDelay(base time.Duration) time.Duration {
	return base * time.Duration(l.BackoffMultiplier()-1)
}

// IsBanned reports whether a ban is currently in effect.
func (l *Limiter) IsBanned() (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.bannedUntil.IsZero() && time.Now().Before(l.bannedUntil), l.bannedUntil
}
