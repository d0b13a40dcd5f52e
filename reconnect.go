package hearth

import (
	"sync"
	"time"
)

// ============================================================================
// Scheduled tasks
// ============================================================================

// scheduledTask is a cancellable one-shot timer. Once Cancel returns true
// the task is guaranteed not to run.
type scheduledTask struct {
	mu       sync.Mutex
	timer    *time.Timer
	canceled bool
	fired    bool
}

func schedule(delay time.Duration, fn func()) *scheduledTask {
	t := &scheduledTask{}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.canceled {
			t.mu.Unlock()
			return
		}
		t.fired = true
		t.mu.Unlock()
		fn()
	})
	return t
}

// Cancel stops the task. It returns false if the task already started.
func (t *scheduledTask) Cancel() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired {
		return false
	}
	t.canceled = true
	t.timer.Stop()
	return true
}

// ============================================================================
// Reconnector
// ============================================================================

// ReconnectState reports the retry progress.
type ReconnectState struct {
	Attempt     int
	ScheduledAt time.Time
}

// reconnector computes bounded exponential backoff and owns the pending
// retry task. It is guarded by the ConnectionManager mutex.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	attempt     int
	scheduledAt time.Time
	task        *scheduledTask
}

func newReconnector(cfg *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

// delay returns min(base * 2^(attempt-1), max) for attempt >= 1.
func (r *reconnector) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		return r.maxDelay
	}
	d := r.baseDelay << uint(shift)
	if d <= 0 || d > r.maxDelay {
		return r.maxDelay
	}
	return d
}

// next reserves the next attempt. ok is false once the budget is spent.
func (r *reconnector) next() (attempt int, delay time.Duration, ok bool) {
	if r.maxAttempts < 0 || r.attempt >= r.maxAttempts {
		return r.attempt, 0, false
	}
	r.attempt++
	return r.attempt, r.delay(r.attempt), true
}

func (r *reconnector) schedule(delay time.Duration, fn func()) {
	r.cancel()
	r.scheduledAt = time.Now().Add(delay)
	r.task = schedule(delay, fn)
}

func (r *reconnector) cancel() {
	if r.task != nil {
		r.task.Cancel()
		r.task = nil
	}
	r.scheduledAt = time.Time{}
}

func (r *reconnector) reset() {
	r.cancel()
	r.attempt = 0
}

func (r *reconnector) state() ReconnectState {
	return ReconnectState{Attempt: r.attempt, ScheduledAt: r.scheduledAt}
}
