package ws

import (
	"sync"
	"time"

	"github.com/manpreetbhatti/pairpad/backend/internal/protocol"
	"github.com/manpreetbhatti/pairpad/backend/internal/ratelimit"
)

// throttle applies one session's edits at the limiter's pace. Every edit
// carries the whole buffer, so while the session is over its limit only the
// newest edit is held back, and it is applied once a token frees up.
type throttle struct {
	mu      sync.Mutex
	limiter *ratelimit.Limiter
	retry   time.Duration
	apply   func(protocol.Edit)
	pending *protocol.Edit
	timer   *time.Timer
	closed  bool
}

func newThrottle(limiter *ratelimit.Limiter, retry time.Duration, apply func(protocol.Edit)) *throttle {
	return &throttle{limiter: limiter, retry: retry, apply: apply}
}

// One token's worth of time at the given rate
func retryInterval(perSecond float64) time.Duration {
	if perSecond <= 0 {
		return time.Second
	}
	return max(time.Duration(float64(time.Second)/perSecond), 10*time.Millisecond)
}

// Submit applies edit right away when the limiter allows it and reports
// false when the edit was held back instead. A held edit replaces any
// earlier one.
func (t *throttle) Submit(edit protocol.Edit) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	if t.limiter.Allow() {
		t.pending = nil
		t.stopTimer()
		t.apply(edit)
		return true
	}

	t.pending = &edit
	if t.timer == nil {
		t.timer = time.AfterFunc(t.retry, t.flush)
	}
	return false
}

func (t *throttle) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.timer = nil
	if t.closed || t.pending == nil {
		return
	}
	if !t.limiter.Allow() {
		t.timer = time.AfterFunc(t.retry, t.flush)
		return
	}

	edit := *t.pending
	t.pending = nil
	t.apply(edit)
}

// Close discards a held edit and stops further applies.
func (t *throttle) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.pending = nil
	t.stopTimer()
}

// Caller holds mu.
func (t *throttle) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
