// Package runloop serializes every call into the ranging service onto one
// goroutine. GATT handlers, the controller feed and timer expiries post
// closures; the loop runs them in order.
package runloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/rasd/internal/ras"
)

// DefaultQueueDepth is the event queue size used when New is given zero.
const DefaultQueueDepth = 256

// ErrStopped is returned for events posted after the loop stopped.
var ErrStopped = errors.New("run loop stopped")

// Loop is a single-consumer event queue.
type Loop struct {
	events  chan func()
	stopped chan struct{}
	once    sync.Once
	logger  *logrus.Logger
}

// New creates a loop with the given queue depth.
func New(depth int, logger *logrus.Logger) *Loop {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Loop{
		events:  make(chan func(), depth),
		stopped: make(chan struct{}),
		logger:  logger,
	}
}

// Run executes posted events until ctx is cancelled. Events still queued at
// that point are discarded. Run returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() { close(l.stopped) })

	l.logger.Debug("Run loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.WithField("discarded", len(l.events)).Debug("Run loop stopped")
			return ctx.Err()
		case fn := <-l.events:
			l.run(fn)
		}
	}
}

// run executes one event; a panicking event is logged and does not stop the loop.
func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("panic", r).Error("Run loop event panicked")
		}
	}()
	fn()
}

// Post queues fn. It blocks while the queue is full and fails once the loop stopped.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.stopped:
		return ErrStopped
	default:
	}
	select {
	case l.events <- fn:
		return nil
	case <-l.stopped:
		return ErrStopped
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := l.Post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for run loop: %w", ctx.Err())
	case <-l.stopped:
		return ErrStopped
	}
}

// Stopped is closed when Run returns.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

// AfterFunc implements ras.Clock: f is posted to the loop when d elapses.
func (l *Loop) AfterFunc(d time.Duration, f func()) ras.Timer {
	return time.AfterFunc(d, func() {
		if err := l.Post(f); err != nil {
			l.logger.WithError(err).Debug("Timer expiry dropped")
		}
	})
}
