// Package ratelimit implements the per-window sliding-window request counter
// and penalty tracker consulted by the window pool.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bookdeal/market-crawler/internal/browser"
	"github.com/bookdeal/market-crawler/internal/telemetry"
)

// Kind distinguishes the two penalty flavors. A rate limit means "wait";
// login required means the window needs human or credential action and is
// re-checked on a shorter interval.
type Kind string

const (
	// KindRateLimit marks a frequency-violation cooldown.
	KindRateLimit Kind = "rate_limit"
	// KindLoginRequired marks a forced-login condition.
	KindLoginRequired Kind = "login_required"
)

// Config holds limiter tuning knobs.
type Config struct {
	// Window is the trailing interval over which accesses are counted.
	Window time.Duration
	// MaxRequests is the access budget per Window before a penalty triggers.
	MaxRequests int
	// Penalty is the default rate-limit cooldown.
	Penalty time.Duration
	// LoginRecheck is the login-required cooldown.
	LoginRecheck time.Duration
}

const (
	defaultWindow       = 60 * time.Second
	defaultMaxRequests  = 10
	defaultPenalty      = 6 * time.Minute
	defaultLoginRecheck = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = defaultMaxRequests
	}
	if c.Penalty <= 0 {
		c.Penalty = defaultPenalty
	}
	if c.LoginRecheck <= 0 {
		c.LoginRecheck = defaultLoginRecheck
	}
	return c
}

// limitRecord is an active penalty for one window.
type limitRecord struct {
	kind       Kind
	until      time.Time
	violations int
}

// LimitStatus is the externally visible form of an active penalty.
type LimitStatus struct {
	Kind             Kind    `json:"kind"`
	RemainingSeconds float64 `json:"remaining_seconds"`
	Until            string  `json:"until"`
	Violations       int     `json:"violation_count"`
}

// Stats aggregates limiter state for observability.
type Stats struct {
	TrackedWindows      int           `json:"tracked_windows"`
	LimitedWindows      int           `json:"limited_windows"`
	TotalRecentAccesses int           `json:"total_recent_accesses"`
	Window              time.Duration `json:"rate_limit_window"`
	MaxRequests         int           `json:"max_requests_per_window"`
}

// Limiter tracks access frequency and penalty state per window id. All
// mutating operations serialize through one mutex: frequency counting and
// penalty application must be atomic with respect to concurrent callers
// because the history and limit maps are shared, not per-window.
//
// Limiter is an owned instance, not a process-wide singleton; the pool holds
// a reference so independent pools (and tests) stay isolated.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	clock   browser.Clock
	limits  map[int64]limitRecord
	history map[int64][]time.Time
	logger  *zap.Logger
}

// New creates a Limiter. Zero config fields fall back to the documented
// defaults (60s window, 10 requests, 360s penalty, 30s login recheck).
func New(cfg Config, clock browser.Clock, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		cfg:     cfg.withDefaults(),
		clock:   clock,
		limits:  make(map[int64]limitRecord),
		history: make(map[int64][]time.Time),
		logger:  logger,
	}
}

// CanAccess reports whether the window may be handed out right now. It is
// consult-and-possibly-penalize, not a pure predicate: an expired penalty it
// encounters is deleted, and a frequency violation creates a new rate-limit
// penalty as a side effect.
func (l *Limiter) CanAccess(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if rec, ok := l.limits[id]; ok {
		if now.Before(rec.until) {
			l.logger.Debug("window still limited",
				zap.Int64("window_id", id),
				zap.String("kind", string(rec.kind)),
				zap.Duration("remaining", rec.until.Sub(now)),
			)
			return false
		}
		// Penalty elapsed; lazy expiry happens here rather than via a sweep.
		delete(l.limits, id)
		l.logger.Info("window limit lifted", zap.Int64("window_id", id))
	}

	return l.checkFrequencyLocked(id, now)
}

// checkFrequencyLocked prunes the access history to the trailing window and
// trips a rate-limit penalty once the budget is spent.
func (l *Limiter) checkFrequencyLocked(id int64, now time.Time) bool {
	cutoff := now.Add(-l.cfg.Window)
	kept := l.history[id][:0]
	for _, ts := range l.history[id] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.history[id] = kept

	if len(kept) >= l.cfg.MaxRequests {
		l.applyLocked(id, KindRateLimit, l.cfg.Penalty, now)
		l.logger.Warn("window tripped frequency limit",
			zap.Int64("window_id", id),
			zap.Int("recent_accesses", len(kept)),
			zap.Duration("window", l.cfg.Window),
		)
		return false
	}
	return true
}

// RecordAccess appends the current timestamp to the window's history. The
// pool calls it exactly once per successful hand-out, after CanAccess
// approved it, so the history reflects actual usage rather than probing.
func (l *Limiter) RecordAccess(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history[id] = append(l.history[id], l.clock.Now())
}

// ApplyRateLimit unconditionally (re)creates a rate-limit penalty for the
// window. A non-positive duration means the configured default.
func (l *Limiter) ApplyRateLimit(id int64, duration time.Duration) {
	if duration <= 0 {
		duration = l.cfg.Penalty
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applyLocked(id, KindRateLimit, duration, l.clock.Now())
}

// ApplyLoginRequired marks the window as needing a login. The cooldown is
// shorter than a rate-limit penalty because the condition may resolve after
// a session refresh or operator action.
func (l *Limiter) ApplyLoginRequired(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applyLocked(id, KindLoginRequired, l.cfg.LoginRecheck, l.clock.Now())
}

func (l *Limiter) applyLocked(id int64, kind Kind, duration time.Duration, now time.Time) {
	until := now.Add(duration)
	l.limits[id] = limitRecord{
		kind:       kind,
		until:      until,
		violations: l.limits[id].violations + 1,
	}
	telemetry.ObservePenalty(string(kind))
	l.logger.Warn("window penalized",
		zap.Int64("window_id", id),
		zap.String("kind", string(kind)),
		zap.String("until", until.Format(browser.TimestampLayout)),
		zap.Int("violations", l.limits[id].violations),
	)
}

// ClearLimit removes any penalty for the window, regardless of kind or
// expiry. It reports whether a record existed (manual recovery path).
func (l *Limiter) ClearLimit(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.limits[id]
	if !ok {
		return false
	}
	delete(l.limits, id)
	l.logger.Info("window limit cleared manually",
		zap.Int64("window_id", id),
		zap.String("kind", string(rec.kind)),
	)
	return true
}

// BlockedUntil reports the window's active penalty, if any. Read-only; an
// expired record is reported as absent but left for CanAccess to delete.
func (l *Limiter) BlockedUntil(id int64) (time.Time, Kind, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.limits[id]
	if !ok || !l.clock.Now().Before(rec.until) {
		return time.Time{}, "", false
	}
	return rec.until, rec.kind, true
}

// LimitedWindows snapshots all currently-active penalties. It does not
// mutate state; expired records are skipped.
func (l *Limiter) LimitedWindows() map[int64]LimitStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitedWindowsLocked()
}

func (l *Limiter) limitedWindowsLocked() map[int64]LimitStatus {
	now := l.clock.Now()
	active := make(map[int64]LimitStatus)
	for id, rec := range l.limits {
		if !now.Before(rec.until) {
			continue
		}
		active[id] = LimitStatus{
			Kind:             rec.kind,
			RemainingSeconds: rec.until.Sub(now).Seconds(),
			Until:            rec.until.Format(browser.TimestampLayout),
			Violations:       rec.violations,
		}
	}
	return active
}

// Stats returns aggregate counts for observability: tracked windows, active
// penalties, and total accesses within the trailing window across all ids.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-l.cfg.Window)
	recent := 0
	for _, hist := range l.history {
		for _, ts := range hist {
			if ts.After(cutoff) {
				recent++
			}
		}
	}
	return Stats{
		TrackedWindows:      len(l.history),
		LimitedWindows:      len(l.limitedWindowsLocked()),
		TotalRecentAccesses: recent,
		Window:              l.cfg.Window,
		MaxRequests:         l.cfg.MaxRequests,
	}
}
