// Package handles owns the live resources of one job: the push stream, the
// poll ticker and the timeout timer. Every path that ends a job releases them
// through Bundle.Close.
package handles

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"adcheck/obs"
)

var (
	// ErrClosed is returned when attaching to a bundle that was already
	// closed. The handle passed in has been released.
	ErrClosed = errors.New("handle bundle closed")
	// ErrAttached is returned when a bundle already owns a handle of that kind.
	ErrAttached = errors.New("handle already attached")
)

// PushHandle is a live push-channel connection.
type PushHandle interface {
	Close() error
}

// Bundle holds at most one push handle, one poll ticker and one timeout
// timer for a single job. It is never shared across jobs.
type Bundle struct {
	jobID string
	log   *slog.Logger

	mu      sync.Mutex
	push    PushHandle
	poll    *time.Ticker
	timeout *time.Timer
	closed  bool
	done    chan struct{}
}

func New(jobID string, log *slog.Logger) *Bundle {
	return &Bundle{
		jobID: jobID,
		log:   obs.Component(log, "handles").With("job_id", jobID),
		done:  make(chan struct{}),
	}
}

func (b *Bundle) JobID() string { return b.jobID }

// Done is closed when the bundle is closed. Channel adapters select on it.
func (b *Bundle) Done() <-chan struct{} { return b.done }

func (b *Bundle) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bundle) AttachPush(h PushHandle) error {
	if h == nil {
		return errors.New("nil push handle")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.closePush(h)
		return ErrClosed
	}
	if b.push != nil {
		b.mu.Unlock()
		return fmt.Errorf("push: %w", ErrAttached)
	}
	b.push = h
	b.mu.Unlock()
	return nil
}

func (b *Bundle) AttachPoll(t *time.Ticker) error {
	if t == nil {
		return errors.New("nil poll ticker")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		t.Stop()
		return ErrClosed
	}
	if b.poll != nil {
		return fmt.Errorf("poll: %w", ErrAttached)
	}
	b.poll = t
	return nil
}

func (b *Bundle) AttachTimeout(t *time.Timer) error {
	if t == nil {
		return errors.New("nil timeout timer")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		t.Stop()
		return ErrClosed
	}
	if b.timeout != nil {
		return fmt.Errorf("timeout: %w", ErrAttached)
	}
	b.timeout = t
	return nil
}

// Close releases every attached handle exactly once. It reports whether this
// call did the release; later calls are no-ops.
func (b *Bundle) Close() bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.closed = true
	push, poll, timeout := b.push, b.poll, b.timeout
	b.push, b.poll, b.timeout = nil, nil, nil
	close(b.done)
	b.mu.Unlock()

	if push != nil {
		b.closePush(push)
	}
	if poll != nil {
		poll.Stop()
	}
	if timeout != nil {
		timeout.Stop()
	}
	b.log.Debug("channel handles released",
		"push", push != nil, "poll", poll != nil, "timeout", timeout != nil)
	return true
}

// closePush never lets a close-time failure escape.
func (b *Bundle) closePush(h PushHandle) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("push handle close panicked", "panic", r)
		}
	}()
	if err := h.Close(); err != nil {
		b.log.Warn("push handle close failed", "err", err)
	}
}
