package browser

import (
	"context"
	"time"
)

// Driver manages the connection to a browser automation backend and the
// lifecycle of the sessions it hosts.
type Driver interface {
	Connect(ctx context.Context) error
	NewSession(ctx context.Context) (Session, error)
	Close(ctx context.Context) error
}

// Session is one live browser tab/window owned by a Driver. Callers borrow a
// Session through the pool and must not retain it after returning the window.
type Session interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	HTML(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
