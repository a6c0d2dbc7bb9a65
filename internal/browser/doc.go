// Package browser defines the shared types and interfaces for managed
// browser-automation windows: the Driver/Session contracts implemented by the
// chromedp and in-memory backends, and the status DTOs exposed by the pool.
package browser
