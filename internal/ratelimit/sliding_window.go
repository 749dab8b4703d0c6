package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow bounds calls to a quota-bound external API that enforces
// both a burst ceiling (max grants per rolling window) and a sustained-rate
// ceiling (minimum interval between grants). Grants are issued in strict
// submission order through an explicit waiter queue, so callers can never
// race for the same slot and the window boundary never produces a burst.
//
// The window state is process-wide and in-memory; it resets on restart.
type SlidingWindow struct {
	window      time.Duration
	max         int
	minInterval time.Duration

	mu      sync.Mutex
	grants  []time.Time // timestamps of the last max grants, oldest first
	waiters []*waiter
	timer   *time.Timer
}

type waiter struct {
	ready     chan struct{}
	cancelled bool
}

// NewSlidingWindow builds a limiter from window duration and grant ceiling.
// A non-positive minInterval defaults to window/max.
func NewSlidingWindow(window time.Duration, max int, minInterval time.Duration) *SlidingWindow {
	if max < 1 {
		max = 1
	}
	if minInterval <= 0 {
		minInterval = window / time.Duration(max)
	}
	return &SlidingWindow{
		window:      window,
		max:         max,
		minInterval: minInterval,
	}
}

// Acquire blocks until a slot is granted or ctx is done. Grants are FIFO in
// submission order.
func (l *SlidingWindow) Acquire(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	if len(l.waiters) == 0 && l.grantable(now) {
		l.record(now)
		l.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	l.reschedule(now)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-w.ready:
			// Granted before the cancellation was observed; keep the slot.
			l.mu.Unlock()
			return nil
		default:
		}
		w.cancelled = true
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Schedule waits for a slot and then runs task. A task error propagates to
// the caller; the consumed slot still counts against the window.
func (l *SlidingWindow) Schedule(ctx context.Context, task func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	return task()
}

// grantable reports whether a slot may be issued at now. Caller holds mu.
func (l *SlidingWindow) grantable(now time.Time) bool {
	l.prune(now)
	n := len(l.grants)
	if n >= l.max {
		return false
	}
	return n == 0 || now.Sub(l.grants[n-1]) >= l.minInterval
}

func (l *SlidingWindow) prune(now time.Time) {
	cut := 0
	for cut < len(l.grants) && now.Sub(l.grants[cut]) >= l.window {
		cut++
	}
	if cut > 0 {
		l.grants = append(l.grants[:0], l.grants[cut:]...)
	}
}

func (l *SlidingWindow) record(now time.Time) {
	l.grants = append(l.grants, now)
	if len(l.grants) > l.max {
		l.grants = append(l.grants[:0], l.grants[len(l.grants)-l.max:]...)
	}
}

// reschedule arms the wake timer for the head waiter. Caller holds mu.
func (l *SlidingWindow) reschedule(now time.Time) {
	d := l.waitFor(now)
	if l.timer == nil {
		l.timer = time.AfterFunc(d, l.wake)
		return
	}
	l.timer.Reset(d)
}

// waitFor computes how long until the next slot could be issued:
// max(time until the min interval is satisfied, time until the oldest
// in-window grant expires). Caller holds mu.
func (l *SlidingWindow) waitFor(now time.Time) time.Duration {
	l.prune(now)
	d := time.Millisecond
	if n := len(l.grants); n > 0 {
		if iv := l.minInterval - now.Sub(l.grants[n-1]); iv > d {
			d = iv
		}
		if n >= l.max {
			if exp := l.grants[0].Add(l.window).Sub(now); exp > d {
				d = exp
			}
		}
	}
	return d
}

func (l *SlidingWindow) wake() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for len(l.waiters) > 0 {
		w := l.waiters[0]
		if w.cancelled {
			l.waiters = l.waiters[1:]
			continue
		}
		if !l.grantable(now) {
			break
		}
		l.record(now)
		close(w.ready)
		l.waiters = l.waiters[1:]
	}
	if len(l.waiters) > 0 {
		l.reschedule(now)
	}
}
