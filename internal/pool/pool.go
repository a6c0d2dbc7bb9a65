// Package pool manages a fixed-size set of browser windows shared among
// concurrent scraping callers. It decides which window to hand out, keeps
// per-window usage bookkeeping, and consults the rate limiter so a penalized
// window is never assigned while its cooldown is active.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bookdeal/market-crawler/internal/browser"
	"github.com/bookdeal/market-crawler/internal/policy/ratelimit"
	"github.com/bookdeal/market-crawler/internal/telemetry"
)

var (
	// ErrNoWindow is returned when no eligible window became free within the
	// caller's timeout. It is an advisory condition, not a failure of the
	// pool; callers retry later or surface a busy response upstream.
	ErrNoWindow = errors.New("no eligible window available")
	// ErrNotInitialized is returned when the pool is used before Initialize
	// succeeded or after shutdown.
	ErrNotInitialized = errors.New("window pool not initialized")
	// ErrNotOwned signals a returned window that does not belong to this pool.
	ErrNotOwned = errors.New("window not owned by this pool")
	// ErrNotBusy signals a return of a window that is not checked out.
	ErrNotBusy = errors.New("window is not checked out")
	// ErrUnknownWindow signals a penalty or clear against an id the pool does
	// not manage.
	ErrUnknownWindow = errors.New("unknown window id")
)

// Config controls pool sizing and acquisition behavior.
type Config struct {
	// Size is the fixed number of windows; the pool never resizes after
	// Initialize.
	Size int
	// StartURL is where freshly created windows are parked, preserving the
	// marketplace session an operator logged into.
	StartURL string
	// PollInterval bounds how long a waiter sleeps between eligibility
	// re-checks when no wake signal arrives.
	PollInterval time.Duration
}

const (
	defaultSize         = 2
	defaultPollInterval = 100 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = defaultSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// Window is one managed browser window: a stable pool-assigned id plus the
// driver session it wraps. Callers borrow it between GetWindow and
// ReturnWindow and must not retain it afterward.
type Window struct {
	ID      int64
	session browser.Session
}

// Session exposes the underlying browser session for navigation.
func (w *Window) Session() browser.Session {
	return w.session
}

// windowState is the pool-private bookkeeping for one window.
type windowState struct {
	win       *Window
	status    browser.WindowStatus
	usedCount int64
}

// Pool arbitrates access to the window set. One mutex guards all allocation
// state; limiter calls are nested inside pool critical sections, so the lock
// order is always pool then limiter.
type Pool struct {
	cfg     Config
	driver  browser.Driver
	limiter *ratelimit.Limiter
	clock   browser.Clock
	logger  *zap.Logger

	mu           sync.Mutex
	windows      []*windowState // creation order; fixed after Initialize
	byID         map[int64]*windowState
	preferredID  int64 // 0 until the first successful acquisition
	wake         chan struct{}
	initialized  bool
	disconnected bool
}

// New constructs a Pool. The limiter is shared by reference so penalties
// reported by scrapers and by the pool's own checks land in one place.
func New(cfg Config, driver browser.Driver, limiter *ratelimit.Limiter, clock browser.Clock, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg.withDefaults(),
		driver:  driver,
		limiter: limiter,
		clock:   clock,
		logger:  logger,
		byID:    make(map[int64]*windowState),
		wake:    make(chan struct{}),
	}
}

// Initialize connects the driver and establishes exactly Config.Size windows.
// It does not partially degrade: if any session fails, the ones already
// created are closed and the error is fatal to the pool's usability.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}
	if err := p.driver.Connect(ctx); err != nil {
		return fmt.Errorf("connect browser driver: %w", err)
	}

	sessions := make([]browser.Session, 0, p.cfg.Size)
	for i := 0; i < p.cfg.Size; i++ {
		sess, err := p.driver.NewSession(ctx)
		if err != nil {
			for _, s := range sessions {
				if closeErr := s.Close(ctx); closeErr != nil {
					p.logger.Warn("close session during rollback failed", zap.Error(closeErr))
				}
			}
			return fmt.Errorf("create window %d of %d: %w", i+1, p.cfg.Size, err)
		}
		sessions = append(sessions, sess)
	}

	for i, sess := range sessions {
		id := int64(i + 1)
		if p.cfg.StartURL != "" {
			if err := sess.Navigate(ctx, p.cfg.StartURL); err != nil {
				p.logger.Warn("park window on start url failed",
					zap.Int64("window_id", id),
					zap.String("url", p.cfg.StartURL),
					zap.Error(err),
				)
			}
		}
		st := &windowState{
			win:    &Window{ID: id, session: sess},
			status: browser.WindowAvailable,
		}
		p.windows = append(p.windows, st)
		p.byID[id] = st
	}

	p.initialized = true
	p.publishGaugesLocked()
	p.logger.Info("window pool initialized",
		zap.Int("pool_size", p.cfg.Size),
		zap.String("start_url", p.cfg.StartURL),
	)
	return nil
}

// GetWindow hands out an eligible window, preferring the sticky preferred
// window to maximize session/cookie reuse. It blocks up to timeout, waking on
// returns and manual limit clears, and returns ErrNoWindow once the timeout
// elapses. When every window is blocked past the remaining budget it returns
// ErrNoWindow immediately rather than waiting out a timeout that cannot
// succeed.
func (p *Pool) GetWindow(ctx context.Context, timeout time.Duration) (*Window, error) {
	start := p.clock.Now()
	deadline := start.Add(timeout)

	for {
		p.mu.Lock()
		if !p.initialized {
			p.mu.Unlock()
			return nil, ErrNotInitialized
		}
		if w := p.claimLocked(); w != nil {
			p.publishGaugesLocked()
			p.mu.Unlock()
			telemetry.ObserveAcquisition("acquired", p.clock.Now().Sub(start))
			return w, nil
		}
		remaining := deadline.Sub(p.clock.Now())
		if p.hopelessLocked(remaining) {
			p.mu.Unlock()
			telemetry.ObserveAcquisition("exhausted", p.clock.Now().Sub(start))
			p.logger.Warn("window acquisition exhausted",
				zap.Duration("timeout", timeout),
				zap.Duration("waited", p.clock.Now().Sub(start)),
			)
			return nil, ErrNoWindow
		}
		wake := p.wake
		p.mu.Unlock()

		poll := p.cfg.PollInterval
		if poll > remaining {
			poll = remaining
		}
		timer := time.NewTimer(poll)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			telemetry.ObserveAcquisition("canceled", p.clock.Now().Sub(start))
			return nil, fmt.Errorf("window wait canceled: %w", ctx.Err())
		}
	}
}

// claimLocked implements the acquisition order: preferred window first, then
// the remaining windows in creation order. Claiming a non-preferred window
// reassigns the preferred id to it.
func (p *Pool) claimLocked() *Window {
	preferred := p.preferredID
	if preferred != 0 {
		if st, ok := p.byID[preferred]; ok && st.status == browser.WindowAvailable && p.limiter.CanAccess(st.win.ID) {
			return p.checkoutLocked(st)
		}
	}
	for _, st := range p.windows {
		if st.win.ID == preferred {
			continue // already consulted above; avoid double-probing the limiter
		}
		if st.status != browser.WindowAvailable || !p.limiter.CanAccess(st.win.ID) {
			continue
		}
		if preferred != 0 {
			p.logger.Info("preferred window switched",
				zap.Int64("from", preferred),
				zap.Int64("to", st.win.ID),
			)
		}
		p.preferredID = st.win.ID
		return p.checkoutLocked(st)
	}
	return nil
}

func (p *Pool) checkoutLocked(st *windowState) *Window {
	st.status = browser.WindowBusy
	st.usedCount++
	p.limiter.RecordAccess(st.win.ID)
	p.logger.Debug("window checked out",
		zap.Int64("window_id", st.win.ID),
		zap.Int64("used_count", st.usedCount),
	)
	return st.win
}

// hopelessLocked reports whether waiting any longer cannot succeed: no window
// is busy (a return could free one at any moment) and every window's penalty
// outlasts the remaining timeout budget.
func (p *Pool) hopelessLocked(remaining time.Duration) bool {
	if remaining <= 0 {
		return true
	}
	if len(p.windows) == 0 {
		return false
	}
	horizon := p.clock.Now().Add(remaining)
	for _, st := range p.windows {
		if st.status == browser.WindowBusy {
			return false
		}
		until, _, blocked := p.limiter.BlockedUntil(st.win.ID)
		if !blocked || horizon.After(until) {
			return false
		}
	}
	return true
}

// ReturnWindow marks the window available again, irrespective of its penalty
// state, and wakes waiters. Returning a foreign window or one that is not
// checked out is a caller error and is signaled, not swallowed.
func (p *Pool) ReturnWindow(w *Window) error {
	if w == nil {
		return ErrNotOwned
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.byID[w.ID]
	if !ok || st.win != w {
		return fmt.Errorf("%w: window %d", ErrNotOwned, w.ID)
	}
	if st.status != browser.WindowBusy {
		return fmt.Errorf("%w: window %d", ErrNotBusy, w.ID)
	}
	st.status = browser.WindowAvailable
	p.notifyLocked()
	p.publishGaugesLocked()
	p.logger.Debug("window returned", zap.Int64("window_id", w.ID))
	return nil
}

// ApplyRateLimitPenalty is the administrative hook for a manual or
// scraper-reported rate-limit penalty on one window. A non-positive duration
// means the limiter's configured default.
func (p *Pool) ApplyRateLimitPenalty(id int64, duration time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownWindow, id)
	}
	p.limiter.ApplyRateLimit(id, duration)
	p.publishGaugesLocked()
	return nil
}

// Initialized reports whether the pool currently holds usable windows.
func (p *Pool) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// ApplyLoginRequired marks one window as needing a login.
func (p *Pool) ApplyLoginRequired(id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownWindow, id)
	}
	p.limiter.ApplyLoginRequired(id)
	p.publishGaugesLocked()
	return nil
}

// ClearLimit lifts any penalty on the window and wakes waiters, since the
// cleared window may satisfy a parked GetWindow immediately.
func (p *Pool) ClearLimit(id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownWindow, id)
	}
	p.limiter.ClearLimit(id)
	p.notifyLocked()
	p.publishGaugesLocked()
	return nil
}

// Status returns a point-in-time snapshot taken under a single lock; it does
// not mutate pool or limiter state.
func (p *Pool) Status() browser.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	limited := p.limiter.LimitedWindows()
	status := browser.PoolStatus{
		TotalWindows:      len(p.windows),
		PreferredWindowID: p.preferredID,
		PoolSize:          p.cfg.Size,
		WindowDetails:     make([]browser.WindowDetail, 0, len(p.windows)),
	}
	for _, st := range p.windows {
		detail := browser.WindowDetail{
			WindowID:  st.win.ID,
			Status:    st.status,
			UsedCount: st.usedCount,
		}
		if ls, ok := limited[st.win.ID]; ok {
			switch ls.Kind {
			case ratelimit.KindRateLimit:
				detail.IsRateLimited = true
				detail.BlockedUntil = ls.Until
			case ratelimit.KindLoginRequired:
				detail.IsLoginRequired = true
				detail.LoginRequiredUntil = ls.Until
			}
		}
		detail.ActualStatus = actualStatus(detail)
		if st.status == browser.WindowBusy {
			status.BusyCount++
		} else {
			status.AvailableCount++
		}
		status.WindowDetails = append(status.WindowDetails, detail)
	}
	return status
}

// actualStatus folds allocation state and limiter flags into one label.
func actualStatus(d browser.WindowDetail) string {
	switch {
	case d.Status == browser.WindowBusy:
		return browser.StatusBusy
	case d.IsLoginRequired:
		return browser.StatusLoginRequired
	case d.IsRateLimited:
		return browser.StatusRateLimited
	default:
		return browser.StatusAvailable
	}
}

// CloseAllWindows closes every session and empties the pool. Idempotent and
// safe after a failed Initialize.
func (p *Pool) CloseAllWindows(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, st := range p.windows {
		if err := st.win.session.Close(ctx); err != nil {
			p.logger.Warn("close window failed",
				zap.Int64("window_id", st.win.ID),
				zap.Error(err),
			)
		}
	}
	p.windows = nil
	p.byID = make(map[int64]*windowState)
	p.preferredID = 0
	p.initialized = false
	p.notifyLocked()
	p.publishGaugesLocked()
	p.logger.Info("all windows closed")
	return nil
}

// Disconnect closes all windows and releases the driver connection.
// Idempotent.
func (p *Pool) Disconnect(ctx context.Context) error {
	if err := p.CloseAllWindows(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnected {
		return nil
	}
	p.disconnected = true
	if err := p.driver.Close(ctx); err != nil {
		return fmt.Errorf("close browser driver: %w", err)
	}
	p.logger.Info("browser driver disconnected")
	return nil
}

// notifyLocked wakes all current waiters by rotating the wake channel.
func (p *Pool) notifyLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

func (p *Pool) publishGaugesLocked() {
	limited := p.limiter.LimitedWindows()
	var available, busy, rateLimited, loginRequired int
	for _, st := range p.windows {
		if st.status == browser.WindowBusy {
			busy++
			continue
		}
		ls, ok := limited[st.win.ID]
		switch {
		case ok && ls.Kind == ratelimit.KindLoginRequired:
			loginRequired++
		case ok:
			rateLimited++
		default:
			available++
		}
	}
	telemetry.SetWindowState(browser.StatusAvailable, available)
	telemetry.SetWindowState(browser.StatusBusy, busy)
	telemetry.SetWindowState(browser.StatusRateLimited, rateLimited)
	telemetry.SetWindowState(browser.StatusLoginRequired, loginRequired)
}
