// Package chromedp implements browser.Driver on top of the Chrome DevTools
// Protocol. It can attach to an operator's already-running Chrome (so the
// windows keep the marketplace login cookies) or launch its own headless
// instance for development.
package chromedp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	cdp "github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bookdeal/market-crawler/internal/browser"
)

// Config controls the driver's connection and navigation behavior.
type Config struct {
	// DebugURL is the DevTools HTTP endpoint of a running Chrome, e.g.
	// "http://127.0.0.1:9222". Empty means launch a private headless Chrome.
	DebugURL string
	// UserAgent overrides the browser user agent when non-empty.
	UserAgent string
	// NavTimeout bounds a single navigation.
	NavTimeout time.Duration
	// NavRPS paces navigations across all sessions; 0 disables pacing.
	NavRPS float64
}

const defaultNavTimeout = 25 * time.Second

// Driver holds the allocator shared by all sessions.
type Driver struct {
	cfg         Config
	logger      *zap.Logger
	pacer       *rate.Limiter
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a Driver; Connect must be called before NewSession.
func New(cfg Config, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = defaultNavTimeout
	}
	pacer := rate.NewLimiter(rate.Inf, 1)
	if cfg.NavRPS > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.NavRPS), 1)
	}
	return &Driver{
		cfg:    cfg,
		logger: logger,
		pacer:  pacer,
	}
}

// Connect establishes the allocator. With a DebugURL it resolves the
// browser's websocket endpoint and attaches remotely; otherwise it prepares
// a headless exec allocator.
func (d *Driver) Connect(ctx context.Context) error {
	if d.allocator != nil {
		return nil
	}
	if d.cfg.DebugURL != "" {
		wsURL, err := resolveWebSocketURL(ctx, d.cfg.DebugURL)
		if err != nil {
			return fmt.Errorf("resolve devtools endpoint: %w", err)
		}
		d.allocator, d.allocCancel = cdp.NewRemoteAllocator(context.Background(), wsURL)
		d.logger.Info("attached to running browser", zap.String("debug_url", d.cfg.DebugURL))
		return nil
	}

	opts := append(cdp.DefaultExecAllocatorOptions[:],
		cdp.Flag("headless", "new"),
		cdp.Flag("disable-gpu", true),
		cdp.Flag("hide-scrollbars", true),
		cdp.Flag("enable-automation", false),
	)
	d.allocator, d.allocCancel = cdp.NewExecAllocator(context.Background(), opts...)
	d.logger.Info("launching private headless browser")
	return nil
}

// NewSession opens a browser tab and returns its handle. The tab is created
// eagerly so an unreachable browser fails here, not on first navigation.
func (d *Driver) NewSession(_ context.Context) (browser.Session, error) {
	if d.allocator == nil {
		return nil, fmt.Errorf("driver not connected")
	}
	tabCtx, tabCancel := cdp.NewContext(d.allocator)

	startCtx, cancel := context.WithTimeout(tabCtx, d.cfg.NavTimeout)
	defer cancel()
	if err := cdp.Run(startCtx, d.sessionSetupAction()); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open browser tab: %w", err)
	}

	s := &session{
		id:         uuid.NewString(),
		ctx:        tabCtx,
		cancel:     tabCancel,
		pacer:      d.pacer,
		navTimeout: d.cfg.NavTimeout,
	}
	d.logger.Debug("browser tab opened", zap.String("session_id", s.id))
	return s, nil
}

func (d *Driver) sessionSetupAction() cdp.Action {
	return cdp.ActionFunc(func(ctx context.Context) error {
		if d.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(d.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

// Close cancels the allocator, tearing down any remaining tabs. Idempotent.
func (d *Driver) Close(_ context.Context) error {
	if d.allocCancel != nil {
		d.allocCancel()
		d.allocCancel = nil
		d.allocator = nil
	}
	return nil
}

type session struct {
	id         string
	ctx        context.Context
	cancel     context.CancelFunc
	pacer      *rate.Limiter
	navTimeout time.Duration
}

func (s *session) ID() string {
	return s.id
}

// Navigate drives the tab to url, paced by the driver-wide limiter and
// bounded by the navigation timeout.
func (s *session) Navigate(ctx context.Context, url string) error {
	if err := s.pacer.Wait(ctx); err != nil {
		return fmt.Errorf("navigation pacing wait: %w", err)
	}
	navCtx, cancel := context.WithTimeout(s.ctx, s.navTimeout)
	defer cancel()
	if err := cdp.Run(navCtx,
		cdp.Navigate(url),
		cdp.WaitReady("body", cdp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// HTML returns the rendered document for the scraping collaborator.
func (s *session) HTML(_ context.Context) (string, error) {
	var html string
	htmlCtx, cancel := context.WithTimeout(s.ctx, s.navTimeout)
	defer cancel()
	if err := cdp.Run(htmlCtx, cdp.OuterHTML("html", &html, cdp.ByQuery)); err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return html, nil
}

// Close tears down the tab. Idempotent.
func (s *session) Close(_ context.Context) error {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

// resolveWebSocketURL asks the DevTools HTTP endpoint for the browser-level
// websocket debugger URL.
func resolveWebSocketURL(ctx context.Context, debugURL string) (string, error) {
	versionURL := strings.TrimRight(debugURL, "/") + "/json/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionURL, nil)
	if err != nil {
		return "", fmt.Errorf("build version request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", versionURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("query %s: unexpected status %d", versionURL, resp.StatusCode)
	}
	var payload struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode version payload: %w", err)
	}
	if payload.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("devtools endpoint returned no websocket url")
	}
	return payload.WebSocketDebuggerURL, nil
}
