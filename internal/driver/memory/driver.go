// Package memory provides an in-memory browser.Driver for tests and local
// development. Sessions record navigations instead of driving a browser.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/bookdeal/market-crawler/internal/browser"
)

// Driver fabricates Session values without any browser process.
type Driver struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	sessions  []*Session

	// FailConnect forces Connect to fail.
	FailConnect bool
	// FailAfter makes NewSession fail once this many sessions exist
	// (0 means never fail); used to exercise initialization rollback.
	FailAfter int
}

// New creates a memory Driver.
func New() *Driver {
	return &Driver{}
}

// Connect marks the driver connected.
func (d *Driver) Connect(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailConnect {
		return errors.New("memory driver: connect refused")
	}
	d.connected = true
	d.closed = false
	return nil
}

// NewSession returns a fresh fake session.
func (d *Driver) NewSession(_ context.Context) (browser.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil, errors.New("memory driver: not connected")
	}
	if d.FailAfter > 0 && len(d.sessions) >= d.FailAfter {
		return nil, fmt.Errorf("memory driver: session budget of %d exhausted", d.FailAfter)
	}
	s := &Session{id: uuid.NewString()}
	d.sessions = append(d.sessions, s)
	return s, nil
}

// Close disconnects the driver. Idempotent.
func (d *Driver) Close(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.closed = true
	return nil
}

// Sessions returns every session the driver ever created.
func (d *Driver) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Session, len(d.sessions))
	copy(out, d.sessions)
	return out
}

// Session is a fake browser.Session that records its navigation history.
type Session struct {
	mu     sync.Mutex
	id     string
	visits []string
	closed bool
	html   string
}

// ID returns the opaque session handle.
func (s *Session) ID() string {
	return s.id
}

// Navigate records the visit.
func (s *Session) Navigate(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("memory session: closed")
	}
	s.visits = append(s.visits, url)
	return nil
}

// HTML returns the canned document, if any.
func (s *Session) HTML(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.New("memory session: closed")
	}
	return s.html, nil
}

// SetHTML sets the document returned by HTML.
func (s *Session) SetHTML(html string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.html = html
}

// Close marks the session closed. Idempotent.
func (s *Session) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Visits returns the navigation history.
func (s *Session) Visits() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.visits))
	copy(out, s.visits)
	return out
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
