// Package registry keeps the session's jobs, in submission order, and is the
// only mutation surface the UI uses: Submit, Cancel, Select and Teardown.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"adcheck/config"
	"adcheck/domain"
	"adcheck/jobapi"
	"adcheck/lifecycle"
	"adcheck/obs"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrTornDown   = errors.New("registry torn down")
)

// QueueSource opens the service's session-wide queue status stream.
type QueueSource interface {
	OpenQueue(ctx context.Context) (*jobapi.Stream, error)
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.base = l }
}

// WithListener receives every job snapshot as it changes. It runs on the
// job's controller goroutine and must not call back into the registry's
// mutating methods for the same job.
func WithListener(fn func(domain.Job)) Option {
	return func(r *Registry) { r.listener = fn }
}

type Registry struct {
	svc      lifecycle.Service
	timing   config.Timing
	base     *slog.Logger
	log      *slog.Logger
	listener func(domain.Job)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	order     []string
	jobs      map[string]*lifecycle.Controller
	selected  string
	seq       int64
	torn      bool
	admission *domain.QueueStatus
}

func New(svc lifecycle.Service, timing config.Timing, opts ...Option) *Registry {
	r := &Registry{
		svc:    svc,
		timing: timing,
		jobs:   make(map[string]*lifecycle.Controller),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = obs.Component(r.base, "registry")
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Submit records a new job and starts it in the background. It never waits
// for the network. A saturated service only adds a warning to the job's
// status message.
func (r *Registry) Submit(in domain.InputDescriptor) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.torn {
		r.mu.Unlock()
		return "", ErrTornDown
	}
	r.seq++
	now := time.Now()
	job := domain.Job{
		ID:            uuid.NewString(),
		Input:         in,
		Status:        domain.JobStatusQueued,
		StatusMessage: "queued",
		Seq:           r.seq,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if warn := admissionWarning(r.admission); warn != "" {
		job.StatusMessage = "queued (" + warn + ")"
	}
	c := lifecycle.New(job, r.svc, lifecycle.Options{
		Budget:   r.timing.For(in.Kind),
		OnChange: r.listener,
		Logger:   r.base,
	})
	r.jobs[job.ID] = c
	r.order = append(r.order, job.ID)
	r.wg.Add(1)
	r.mu.Unlock()

	r.log.Info("job submitted", "job_id", job.ID, "kind", in.Kind)
	if r.listener != nil {
		r.listener(job.Clone())
	}
	go func() {
		defer r.wg.Done()
		c.Run(r.ctx)
	}()
	return job.ID, nil
}

// Cancel forwards to the job's controller. Cancelling a finished job is a
// no-op.
func (r *Registry) Cancel(id string) error {
	c, err := r.controller(id)
	if err != nil {
		return err
	}
	if err := c.Cancel(); err != nil && !errors.Is(err, lifecycle.ErrTerminal) {
		return err
	}
	return nil
}

// Select marks which job's result is displayed. It does not affect execution.
func (r *Registry) Select(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	r.selected = id
	return nil
}

func (r *Registry) Selected() (domain.Job, bool) {
	r.mu.RLock()
	c := r.jobs[r.selected]
	r.mu.RUnlock()
	if c == nil {
		return domain.Job{}, false
	}
	return c.Snapshot(), true
}

func (r *Registry) Job(id string) (domain.Job, bool) {
	c, err := r.controller(id)
	if err != nil {
		return domain.Job{}, false
	}
	return c.Snapshot(), true
}

// Jobs returns snapshots of every job, newest first.
func (r *Registry) Jobs() []domain.Job {
	r.mu.RLock()
	ctrls := make([]*lifecycle.Controller, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		ctrls = append(ctrls, r.jobs[r.order[i]])
	}
	r.mu.RUnlock()

	out := make([]domain.Job, 0, len(ctrls))
	for _, c := range ctrls {
		out = append(out, c.Snapshot())
	}
	return out
}

// Teardown closes every job's handles, whatever its status, and refuses
// further submissions. Safe to call more than once.
func (r *Registry) Teardown() {
	r.mu.Lock()
	if r.torn {
		r.mu.Unlock()
		return
	}
	r.torn = true
	ctrls := make([]*lifecycle.Controller, 0, len(r.jobs))
	for _, id := range r.order {
		ctrls = append(ctrls, r.jobs[id])
	}
	r.mu.Unlock()

	r.cancel()
	for _, c := range ctrls {
		c.Close()
	}
	r.log.Info("registry torn down", "jobs", len(ctrls))
}

// Wait blocks until every started job's controller has returned and every
// cancel notification has been attempted.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		r.mu.RLock()
		ctrls := make([]*lifecycle.Controller, 0, len(r.jobs))
		for _, c := range r.jobs {
			ctrls = append(ctrls, c)
		}
		r.mu.RUnlock()
		for _, c := range ctrls {
			c.WaitNotifications()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Admission returns the last queue status reported by the service.
func (r *Registry) Admission() (domain.QueueStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.admission == nil {
		return domain.QueueStatus{}, false
	}
	return *r.admission, true
}

// AdmissionWarning is empty unless the service reports it cannot start a new
// check right away.
func (r *Registry) AdmissionWarning() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return admissionWarning(r.admission)
}

func (r *Registry) setAdmission(qs domain.QueueStatus) {
	r.mu.Lock()
	r.admission = &qs
	r.mu.Unlock()
}

// WatchQueue follows the queue status stream until ctx is done or the
// registry is torn down, reconnecting after failures.
func (r *Registry) WatchQueue(ctx context.Context, src QueueSource) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	delay := 500 * time.Millisecond
	for {
		err := r.followQueue(ctx, src)
		if ctx.Err() != nil {
			return
		}
		r.log.Warn("queue status stream lost", "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, 30*time.Second)
	}
}

func (r *Registry) followQueue(ctx context.Context, src QueueSource) error {
	stream, err := src.OpenQueue(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()
	for {
		f, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("queue stream ended")
			}
			return err
		}
		if f.Comment {
			continue
		}
		qs, err := jobapi.DecodeQueueStatus(f)
		if err != nil {
			r.log.Debug("queue message ignored", "err", err)
			continue
		}
		r.setAdmission(qs)
	}
}

func (r *Registry) controller(id string) (*lifecycle.Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return c, nil
}

func admissionWarning(qs *domain.QueueStatus) string {
	if qs == nil || qs.CanStartNewCheck {
		return ""
	}
	return fmt.Sprintf("service busy: %d waiting, %d/%d processing", qs.QueueLength, qs.ProcessingCount, qs.MaxConcurrent)
}
