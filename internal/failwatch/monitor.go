// Package failwatch tracks recent unit outcomes and decides when a
// sustained failure pattern should auto-pause dispatch.
package failwatch

import "sync"

// Config sets the detection thresholds.
//   - Window: number of recent outcomes kept (default 10).
//   - MaxConsecutive: consecutive failures that trigger a pause (default 5).
//   - FailureRatio: windowed failure ratio that triggers a pause once the
//     window is full (default 0.8).
type Config struct {
	Window         int
	MaxConsecutive int
	FailureRatio   float64
}

const (
	defaultWindow         = 10
	defaultMaxConsecutive = 5
	defaultFailureRatio   = 0.8
)

// Monitor is a fixed-size sliding window over unit outcomes. It is safe
// for concurrent use.
type Monitor struct {
	mu          sync.Mutex
	cfg         Config
	window      []bool // true = failure
	next        int
	filled      int
	consecutive int
	total       int64
	failures    int64
}

// New creates a Monitor, applying defaults for unset config values.
func New(cfg Config) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.MaxConsecutive <= 0 {
		cfg.MaxConsecutive = defaultMaxConsecutive
	}
	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		cfg.FailureRatio = defaultFailureRatio
	}
	return &Monitor{
		cfg:    cfg,
		window: make([]bool, cfg.Window),
	}
}

// Record pushes one outcome into the window, evicting the oldest entry.
func (m *Monitor) Record(failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.window[m.next] = failed
	m.next = (m.next + 1) % len(m.window)
	if m.filled < len(m.window) {
		m.filled++
	}
	m.total++
	if failed {
		m.failures++
		m.consecutive++
	} else {
		m.consecutive = 0
	}
}

// ShouldAutoPause reports whether the failure pattern warrants pausing:
// either the consecutive-failure threshold is hit, or the window is full
// and the windowed failure ratio meets the configured ratio.
func (m *Monitor) ShouldAutoPause() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.consecutive >= m.cfg.MaxConsecutive {
		return true
	}
	if m.filled < len(m.window) {
		return false
	}
	windowFailures := 0
	for _, failed := range m.window {
		if failed {
			windowFailures++
		}
	}
	return float64(windowFailures) >= m.cfg.FailureRatio*float64(len(m.window))
}

// Reset clears the consecutive-failure counter and the window. Called when
// an operator resumes from an auto-pause; cumulative totals are kept.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consecutive = 0
	m.filled = 0
	m.next = 0
	for i := range m.window {
		m.window[i] = false
	}
}

// Stats returns the cumulative outcome counters.
func (m *Monitor) Stats() (total, failures int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total, m.failures
}
