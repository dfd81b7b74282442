// Package ratelimit throttles a send path to a sustained byte rate by
// draining a FIFO of chunks in fixed accounting windows.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// DefaultInterval is the accounting window used when Options.Interval is zero.
const DefaultInterval = 25 * time.Millisecond

// ErrStopped is returned by Send after Stop.
var ErrStopped = errors.New("ratelimit: limiter stopped")

// Options configures a Limiter. BytesPerSecond == 0 disables throttling.
type Options struct {
	BytesPerSecond int64
	Interval       time.Duration
}

type timer interface {
	Stop() bool
}

// Limiter is a decorator in front of a send function. Bytes passed to the
// send function within one accounting window never exceed the window budget;
// chunks straddling the budget are split and the remainder is sent first in a
// later window, so order and content are preserved exactly.
type Limiter struct {
	send     func([]byte) error
	rate     int64
	interval time.Duration
	budget   int

	mu          sync.Mutex
	queue       [][]byte
	windowStart time.Time
	consumed    int
	pending     timer
	stopped     bool
	err         error

	now   func() time.Time
	after func(time.Duration, func()) timer
}

// New wraps send.
func New(send func([]byte) error, opts Options) *Limiter {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	l := &Limiter{
		send:     send,
		rate:     opts.BytesPerSecond,
		interval: interval,
		now:      time.Now,
		after: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}

	if l.rate > 0 {
		l.budget = int(l.rate * interval.Milliseconds() / 1000)
		if l.budget < 1 {
			l.budget = 1
		}
	}
	return l
}

// Budget returns the number of bytes allowed per accounting window, or 0
// when throttling is disabled.
func (l *Limiter) Budget() int { return l.budget }

// Send queues chunk for delivery. The limiter keeps a reference to chunk
// until it has been sent; callers must not modify it. Unthrottled limiters
// call the send function directly. An error from an earlier asynchronous
// send is returned by every later call.
func (l *Limiter) Send(chunk []byte) error {
	if l.rate == 0 {
		return l.send(chunk)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err != nil {
		return l.err
	}
	if l.stopped {
		return ErrStopped
	}

	l.queue = append(l.queue, chunk)
	if l.pending == nil {
		l.drainLocked()
	}
	return l.err
}

// Queued returns the number of bytes waiting to be sent.
func (l *Limiter) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, c := range l.queue {
		n += len(c)
	}
	return n
}

// Stop cancels the scheduled drain and discards queued chunks.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopped = true
	l.queue = nil
	if l.pending != nil {
		l.pending.Stop()
		l.pending = nil
	}
}

func (l *Limiter) onTimer() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending = nil
	l.drainLocked()
}

func (l *Limiter) drainLocked() {
	if l.stopped || l.err != nil || len(l.queue) == 0 {
		return
	}

	now := l.now()
	if !l.windowStart.IsZero() && now.Sub(l.windowStart) > l.interval {
		l.windowStart = time.Time{}
	}
	if l.windowStart.IsZero() {
		l.windowStart = now
		l.consumed = 0
	}

	for len(l.queue) > 0 && l.consumed < l.budget {
		head := l.queue[0]
		remaining := l.budget - l.consumed

		var out []byte
		if len(head) <= remaining {
			out = head
			l.queue[0] = nil
			l.queue = l.queue[1:]
		} else {
			out = head[:remaining]
			l.queue[0] = head[remaining:]
		}

		if len(out) == 0 {
			continue
		}
		if err := l.send(out); err != nil {
			l.err = err
			l.queue = nil
			return
		}
		l.consumed += len(out)
	}

	if len(l.queue) > 0 {
		l.pending = l.after(l.interval, l.onTimer)
	}
}
