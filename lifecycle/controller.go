// Package lifecycle drives one job from submission to a terminal state.
//
//	Queued --> Submitting --submit ok--> Processing --complete--> Completed
//	                      --submit fails--> Failed  --error-----> Failed
//	                                                --cancel----> Cancelled
//	                                                --timeout---> TimedOut
//
// Terminal states are absorbing: the job record never changes again and the
// job's handle bundle is closed as the state is entered.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"adcheck/config"
	"adcheck/domain"
	"adcheck/handles"
	"adcheck/jobapi"
	"adcheck/monitor"
	"adcheck/obs"
)

// ErrTerminal is returned by Cancel once the job has finished.
var ErrTerminal = errors.New("job already finished")

const cancelNotifyTimeout = 10 * time.Second

// Service is the job service as seen by one controller.
type Service interface {
	monitor.Service
	Submit(ctx context.Context, in domain.InputDescriptor) (string, error)
	Cancel(ctx context.Context, id string) error
}

type Options struct {
	Budget config.Budget
	// OnChange receives a snapshot after every change to the job, in order.
	// The terminal snapshot is delivered exactly once. It is called with the
	// controller's lock held and must not call back into the controller.
	OnChange func(domain.Job)
	Logger   *slog.Logger
}

type Controller struct {
	svc      Service
	mon      *monitor.Monitor
	budget   config.Budget
	onChange func(domain.Job)
	log      *slog.Logger
	bundle   *handles.Bundle
	newTimer func(time.Duration) *time.Timer

	mu        sync.Mutex
	job       domain.Job
	closed    bool
	degraded  bool
	runCancel context.CancelFunc
	done      chan struct{}
	notifyWG  sync.WaitGroup
}

// New prepares a controller for job, which must be in Queued.
func New(job domain.Job, svc Service, opts Options) *Controller {
	log := obs.Component(opts.Logger, "lifecycle").With("job_id", job.ID, "kind", job.Input.Kind)
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}
	return &Controller{
		svc:      svc,
		mon:      monitor.New(svc, opts.Logger),
		budget:   opts.Budget,
		onChange: opts.OnChange,
		log:      log,
		bundle:   handles.New(job.ID, opts.Logger),
		newTimer: time.NewTimer,
		job:      job,
		done:     make(chan struct{}),
	}
}

func (c *Controller) ID() string { return c.job.ID }

// Snapshot returns a copy of the job as it is now.
func (c *Controller) Snapshot() domain.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job.Clone()
}

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Run submits the job and consumes its events until the job is terminal, the
// controller is closed, or ctx is cancelled. It must be called once.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)
	defer c.bundle.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("controller panicked", "panic", fmt.Sprint(r))
			c.finish(domain.JobStatusFailed, "check failed", nil, "internal error")
		}
	}()

	c.mu.Lock()
	if c.closed || c.job.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	c.runCancel = cancel
	c.setLocked(func(j *domain.Job) {
		j.Status = domain.JobStatusSubmitting
		j.StatusMessage = "submitting"
	})
	c.mu.Unlock()

	serverID, err := c.svc.Submit(ctx, c.job.Input)
	if err != nil {
		if ctx.Err() != nil {
			// Closed while submitting; the job is left as it was.
			return
		}
		c.log.Warn("submit failed", "err", err)
		c.finish(domain.JobStatusFailed, "submission failed", nil, submitMessage(err))
		return
	}

	c.mu.Lock()
	if c.job.Status.Terminal() {
		// Cancelled while the submit was in flight.
		c.mu.Unlock()
		c.notifyCancel(serverID)
		return
	}
	c.setLocked(func(j *domain.Job) {
		j.ServerID = serverID
		j.Status = domain.JobStatusProcessing
		j.StatusMessage = "processing"
	})
	c.mu.Unlock()
	c.log.Info("job processing", "server_id", serverID, "budget", c.budget.Timeout().String())

	timer := c.newTimer(c.budget.Timeout())
	if err := c.bundle.AttachTimeout(timer); err != nil {
		return
	}
	events := c.mon.Open(ctx, serverID, c.budget.PollInterval, c.bundle)

	for {
		select {
		case <-c.bundle.Done():
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			c.finish(domain.JobStatusTimedOut, "timed out",
				nil, fmt.Sprintf("no result within %s (%d polls every %s)", c.budget.Timeout(), c.budget.MaxPolls, c.budget.PollInterval))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if c.apply(ev) {
				return
			}
		}
	}
}

// apply folds one event into the job and reports whether the job is now
// terminal.
func (c *Controller) apply(ev domain.JobEvent) bool {
	switch ev.Kind {
	case domain.EventProgress:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.job.Status.Terminal() {
			obs.RecordMonitorDiscard(string(ev.Source), "after_terminal")
			return true
		}
		msg := ev.Message
		switch {
		case ev.Degraded:
			c.degraded = true
		case c.degraded && msg != "":
			// The push channel is gone for good; keep saying so.
			msg += " (" + monitor.DegradedMessage + ")"
		}
		if msg != "" {
			c.setLocked(func(j *domain.Job) { j.StatusMessage = msg })
		}
		return false
	case domain.EventComplete:
		if ev.Result == nil {
			c.log.Warn("complete event without result", "source", ev.Source)
			return false
		}
		if !c.finish(domain.JobStatusCompleted, "check complete", ev.Result, "") {
			obs.RecordMonitorDiscard(string(ev.Source), "after_terminal")
		}
		return true
	case domain.EventError:
		if !c.finish(domain.JobStatusFailed, "check failed", nil, ev.Err) {
			obs.RecordMonitorDiscard(string(ev.Source), "after_terminal")
		}
		return true
	default:
		return false
	}
}

// Cancel ends a non-terminal job as Cancelled, releases its handles, and then
// tells the service in the background. The notification's outcome never
// changes the job.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	if c.job.Status.Terminal() {
		c.mu.Unlock()
		return ErrTerminal
	}
	c.job.CancelRequested = true
	serverID := c.job.ServerID
	c.finishLocked(domain.JobStatusCancelled, "cancelled", nil, "")
	c.mu.Unlock()

	c.bundle.Close()
	if serverID != "" {
		c.notifyCancel(serverID)
	}
	return nil
}

// Close releases the job's handles without changing its status. Used on
// registry teardown.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	cancel := c.runCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.bundle.Close()
}

// WaitNotifications blocks until background cancel notifications finish.
func (c *Controller) WaitNotifications() { c.notifyWG.Wait() }

func (c *Controller) finish(status domain.JobStatus, msg string, result *domain.CheckResult, errMsg string) bool {
	c.mu.Lock()
	ok := c.finishLocked(status, msg, result, errMsg)
	c.mu.Unlock()
	if ok {
		c.bundle.Close()
	}
	return ok
}

func (c *Controller) finishLocked(status domain.JobStatus, msg string, result *domain.CheckResult, errMsg string) bool {
	if c.job.Status.Terminal() {
		return false
	}
	c.setLocked(func(j *domain.Job) {
		j.Status = status
		j.StatusMessage = msg
		if status == domain.JobStatusCompleted {
			j.Result = result
		}
		if status == domain.JobStatusFailed || status == domain.JobStatusTimedOut {
			j.Error = errMsg
		}
	})
	obs.RecordJobTerminal(string(status))
	c.log.Info("job finished", "server_id", c.job.ServerID, "status", status, "err", errMsg)
	return true
}

func (c *Controller) setLocked(fn func(*domain.Job)) {
	fn(&c.job)
	c.job.UpdatedAt = time.Now()
	if c.onChange != nil {
		c.onChange(c.job.Clone())
	}
}

func (c *Controller) notifyCancel(serverID string) {
	c.notifyWG.Add(1)
	go func() {
		defer c.notifyWG.Done()
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("cancel notification panicked", "panic", fmt.Sprint(r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), cancelNotifyTimeout)
		defer cancel()

		backoff := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			err := c.svc.Cancel(ctx, serverID)
			if err == nil {
				return nil
			}
			var apiErr *jobapi.APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
				return err
			}
			return retry.RetryableError(err)
		})
		obs.RecordCancelNotify(err)
		if err != nil {
			c.log.Warn("cancel notification failed", "server_id", serverID, "err", err)
		}
	}()
}

func submitMessage(err error) string {
	var apiErr *jobapi.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
