package browser

// WindowStatus is the pool's allocation state for a window. Penalty state is
// tracked separately by the rate limiter and folded in via ActualStatus.
type WindowStatus string

const (
	// WindowAvailable means the window is parked in the pool.
	WindowAvailable WindowStatus = "available"
	// WindowBusy means the window is checked out to exactly one caller.
	WindowBusy WindowStatus = "busy"
)

// ActualStatus labels for WindowDetail, combining allocation state with the
// limiter's view.
const (
	StatusAvailable     = "available"
	StatusBusy          = "busy"
	StatusRateLimited   = "rate_limited"
	StatusLoginRequired = "login_required"
)

// TimestampLayout is the wall-clock format used for unblock times in status
// payloads. Dashboards and tests parse this exact layout.
const TimestampLayout = "2006-01-02 15:04:05"

// WindowDetail is the per-window slice of a PoolStatus snapshot.
type WindowDetail struct {
	WindowID           int64        `json:"window_id"`
	Status             WindowStatus `json:"status"`
	ActualStatus       string       `json:"actual_status"`
	UsedCount          int64        `json:"used_count"`
	IsRateLimited      bool         `json:"is_rate_limited"`
	IsLoginRequired    bool         `json:"is_login_required"`
	BlockedUntil       string       `json:"blocked_until,omitempty"`
	LoginRequiredUntil string       `json:"login_required_until,omitempty"`
}

// PoolStatus is a point-in-time snapshot of the window pool, taken under a
// single lock so the counts are mutually consistent.
type PoolStatus struct {
	TotalWindows      int            `json:"total_windows"`
	AvailableCount    int            `json:"available_count"`
	BusyCount         int            `json:"busy_count"`
	PreferredWindowID int64          `json:"preferred_window_id"`
	PoolSize          int            `json:"pool_size"`
	WindowDetails     []WindowDetail `json:"window_details"`
}
