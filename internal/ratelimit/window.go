// Package ratelimit bounds generation calls with a process-wide sliding window.
package ratelimit

import (
	"sync"
	"time"

	"github.com/stellarlinkco/npcbrain/internal/clock"
)

// Span is the length of the trailing window.
const Span = 60 * time.Second

// Window counts calls in the trailing Span. A limit <= 0 disables limiting.
type Window struct {
	mu    sync.Mutex
	limit int
	clk   clock.Clock
	calls []time.Time
}

func NewWindow(limit int, clk clock.Clock) *Window {
	if clk == nil {
		clk = clock.Real()
	}
	return &Window{limit: limit, clk: clk}
}

// trim drops timestamps that are Span old or older. Caller holds w.mu.
func (w *Window) trim(now time.Time) {
	cutoff := now.Add(-Span)
	i := 0
	for i < len(w.calls) && !w.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.calls = append(w.calls[:0], w.calls[i:]...)
	}
}

// Saturated reports whether limit calls already happened in the trailing window.
func (w *Window) Saturated() bool {
	if w.limit <= 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(w.clk.Now())
	return len(w.calls) >= w.limit
}

// Record notes one call at the current time.
func (w *Window) Record() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clk.Now()
	w.trim(now)
	w.calls = append(w.calls, now)
}

// Allow checks and records in one step: it returns false without recording
// when the window is saturated.
func (w *Window) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clk.Now()
	w.trim(now)
	if w.limit > 0 && len(w.calls) >= w.limit {
		return false
	}
	w.calls = append(w.calls, now)
	return true
}

// Count returns the number of calls in the trailing window.
func (w *Window) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(w.clk.Now())
	return len(w.calls)
}

// Limit returns the configured calls-per-window cap.
func (w *Window) Limit() int { return w.limit }
