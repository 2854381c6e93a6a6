package check

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"adcheck/domain"
	"adcheck/eventbus"
	"adcheck/obs"
	"adcheck/redislock"
	"adcheck/store"
	"adcheck/streamq"
)

// Extractor resolves an image reference to the text it contains.
type Extractor interface {
	ExtractText(ctx context.Context, imageRef string) (string, error)
}

type Worker struct {
	store   store.CheckJobStore
	bus     eventbus.Bus
	dict    *Dictionary
	text    Extractor
	lock    *redislock.Client
	lockTTL time.Duration
	log     *slog.Logger
}

type WorkerOption func(*Worker)

// WithExtractor enables image jobs. Without one they fail.
func WithExtractor(e Extractor) WorkerOption {
	return func(w *Worker) { w.text = e }
}

// WithLease makes the worker take a Redis lease per job so replicas never
// process the same job twice.
func WithLease(lock *redislock.Client, ttl time.Duration) WorkerOption {
	return func(w *Worker) {
		w.lock = lock
		w.lockTTL = ttl
	}
}

func NewWorker(st store.CheckJobStore, bus eventbus.Bus, dict *Dictionary, opts ...WorkerOption) *Worker {
	if dict == nil {
		dict = DefaultDictionary()
	}
	w := &Worker{
		store: st,
		bus:   bus,
		dict:  dict,
		log:   obs.Component(nil, "check-worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle is the streamq.Handler for check jobs. Anything that was persisted
// as a failure is returned as a terminal error so the message is ACKed.
func (w *Worker) Handle(ctx context.Context, jobID string) error {
	start := time.Now()
	err := w.process(ctx, jobID)
	obs.RecordWorkerJob("check-worker", start, err)
	return err
}

func (w *Worker) process(ctx context.Context, jobID string) error {
	if w == nil || w.store == nil {
		return streamq.Terminal(errors.New("worker not initialised"))
	}
	log := w.log.With("job_id", jobID)

	if w.lock != nil {
		release, ok, err := w.lock.Hold(ctx, jobID, w.lockTTL)
		if err != nil {
			// transient: keep pending
			return err
		}
		if !ok {
			// Likely a duplicate delivery; ACK and move on.
			return streamq.Terminal(fmt.Errorf("job locked: %s", w.lock.Key(jobID)))
		}
		defer release()
	}

	job, ok, err := w.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return streamq.Terminal(fmt.Errorf("job %s not found", jobID))
	}
	if job.Status.Terminal() {
		log.Info("job already finished, skipping", "status", job.Status)
		return streamq.Terminal(nil)
	}

	job, ok, err = w.store.Update(ctx, jobID, func(j *domain.CheckJob) {
		if j.Status.Terminal() {
			return
		}
		now := time.Now().UTC()
		j.Status = domain.CheckJobStatusProcessing
		j.StartedAt = &now
		j.Error = ""
	})
	if err != nil {
		return err
	}
	if !ok || job.Status != domain.CheckJobStatusProcessing {
		return streamq.Terminal(nil)
	}
	log.Info("job processing", "kind", job.InputKind)

	text := job.Text
	if job.InputKind == domain.InputKindImage {
		w.progress(ctx, jobID, "extract", "extracting text")
		if w.text == nil {
			return streamq.Terminal(w.fail(ctx, jobID, errors.New("image input is not supported")))
		}
		text, err = w.text.ExtractText(ctx, job.ImageRef)
		if err != nil {
			return streamq.Terminal(w.fail(ctx, jobID, fmt.Errorf("extract text: %w", err)))
		}
		if strings.TrimSpace(text) == "" {
			return streamq.Terminal(w.fail(ctx, jobID, errors.New("no text found in image")))
		}
	}

	w.progress(ctx, jobID, "check", "checking against rules")
	modified, violations := w.dict.Check(text)

	job, ok, err = w.store.Update(ctx, jobID, func(j *domain.CheckJob) {
		if j.Status.Terminal() {
			return
		}
		now := time.Now().UTC()
		j.Status = domain.CheckJobStatusCompleted
		j.ExtractedText = ""
		if j.InputKind == domain.InputKindImage {
			j.ExtractedText = text
		}
		j.ModifiedText = modified
		j.Violations = violations
		j.FinishedAt = &now
	})
	if err != nil {
		return err
	}
	if !ok || job.Status != domain.CheckJobStatusCompleted {
		log.Info("job cancelled while processing")
		return streamq.Terminal(nil)
	}

	log.Info("job completed", "violations", len(violations))
	w.publish(ctx, jobID, eventComplete, job.Record())
	return streamq.Terminal(nil)
}

func (w *Worker) progress(ctx context.Context, jobID, stage, msg string) {
	w.publish(ctx, jobID, eventProgress, domain.ProgressPayload{Stage: stage, Message: msg})
}

func (w *Worker) publish(ctx context.Context, jobID, typ string, payload any) {
	if w.bus == nil {
		return
	}
	publish(ctx, w.bus, w.log, jobID, typ, payload)
}

// fail records err on the job unless it was cancelled meanwhile, and
// publishes the error event.
func (w *Worker) fail(ctx context.Context, jobID string, err error) error {
	msg := "check failed"
	if err != nil {
		msg = err.Error()
	}
	failed := false
	_, _, uerr := w.store.Update(context.WithoutCancel(ctx), jobID, func(j *domain.CheckJob) {
		failed = false
		if j.Status.Terminal() {
			return
		}
		now := time.Now().UTC()
		j.Status = domain.CheckJobStatusFailed
		j.Error = msg
		j.FinishedAt = &now
		failed = true
	})
	if uerr != nil {
		w.log.Error("persist failure failed", "job_id", jobID, "err", uerr)
	}
	if failed {
		w.log.Warn("job failed", "job_id", jobID, "err", err)
		w.publish(ctx, jobID, eventError, domain.ErrorPayload{Message: msg})
	}
	return err
}
