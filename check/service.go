// Package check is the job service the client talks to: job creation, the
// poll endpoint, cancellation, the per-job and queue event streams, and the
// worker that runs the rule dictionary.
package check

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"adcheck/domain"
	"adcheck/eventbus"
	"adcheck/obs"
	"adcheck/store"
	"adcheck/streamq"
)

const maxRequestBytes = 1 << 20

type Service struct {
	store         store.CheckJobStore
	queue         streamq.Queue
	bus           eventbus.Bus
	maxConcurrent int
	log           *slog.Logger

	heartbeatEvery time.Duration
	queueEvery     time.Duration
}

type Option func(*Service)

// WithStreamIntervals overrides the SSE heartbeat and queue broadcast periods.
func WithStreamIntervals(heartbeat, queue time.Duration) Option {
	return func(s *Service) {
		if heartbeat > 0 {
			s.heartbeatEvery = heartbeat
		}
		if queue > 0 {
			s.queueEvery = queue
		}
	}
}

func NewService(st store.CheckJobStore, q streamq.Queue, bus eventbus.Bus, maxConcurrent int, opts ...Option) *Service {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	s := &Service{
		store:          st,
		queue:          q,
		bus:            bus,
		maxConcurrent:  maxConcurrent,
		log:            obs.Component(nil, "check"),
		heartbeatEvery: 15 * time.Second,
		queueEvery:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/checks", s.handleCreateJob)
	mux.HandleFunc("/checks/", s.handleJobRoutes)
}

func (s *Service) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	var in domain.InputDescriptor
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	in.ImageRef = strings.TrimSpace(in.ImageRef)
	if err := in.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := &domain.CheckJob{
		ID:        uuid.NewString(),
		Status:    domain.CheckJobStatusQueued,
		CreatedAt: time.Now().UTC(),
		InputKind: in.Kind,
		Text:      in.Text,
		ImageRef:  in.ImageRef,
	}
	if err := s.store.Create(r.Context(), job); err != nil {
		s.log.Error("create job failed", "err", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	enqueueCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.queue.Enqueue(enqueueCtx, job.ID); err != nil {
		s.log.Error("enqueue failed", "job_id", job.ID, "err", err)
		_, _, _ = s.store.Update(context.WithoutCancel(r.Context()), job.ID, func(j *domain.CheckJob) {
			now := time.Now().UTC()
			j.Status = domain.CheckJobStatusFailed
			j.Error = "queue unavailable"
			j.FinishedAt = &now
		})
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}

	s.log.Info("job created", "job_id", job.ID, "kind", job.InputKind)
	writeJSON(w, http.StatusOK, map[string]string{"id": job.ID})
}

func (s *Service) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	// /checks/{jobId}
	// /checks/{jobId}/events
	// /checks/{jobId}/cancel
	// /checks/queue
	// /checks/queue/events
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/checks/"), "/")
	if path == "" {
		http.Error(w, "jobId required", http.StatusBadRequest)
		return
	}
	parts := strings.Split(path, "/")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if parts[0] == "queue" {
		switch {
		case len(parts) == 1 && r.Method == http.MethodGet:
			s.handleQueueStatus(w, r)
		case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
			s.handleQueueEvents(w, r)
		case len(parts) <= 2:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		default:
			http.NotFound(w, r)
		}
		return
	}

	jobID := parts[0]
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleGetJob(w, r, jobID)
	case len(parts) == 2 && parts[1] == "events":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleJobEvents(w, r, jobID)
	case len(parts) == 2 && parts[1] == "cancel":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleCancelJob(w, r, jobID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Service) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, ok, err := s.store.Get(r.Context(), jobID)
	if err != nil {
		s.log.Error("get job failed", "job_id", jobID, "err", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, job.Record())
}

// handleCancelJob is idempotent: cancelling a finished job reports its
// current status without changing it.
func (s *Service) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	changed := false
	job, ok, err := s.store.Update(r.Context(), jobID, func(j *domain.CheckJob) {
		changed = false
		if j.Status.Terminal() {
			return
		}
		now := time.Now().UTC()
		j.Status = domain.CheckJobStatusCancelled
		j.CancelledAt = &now
		j.FinishedAt = &now
		changed = true
	})
	if err != nil {
		s.log.Error("cancel job failed", "job_id", jobID, "err", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if changed {
		s.log.Info("job cancelled", "job_id", jobID)
		s.publish(r.Context(), jobID, eventError, domain.ErrorPayload{Message: cancelledMessage})
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": job.ID, "status": string(job.Status)})
}

// QueueStatus is the admission signal broadcast to clients.
func (s *Service) QueueStatus(ctx context.Context) (domain.QueueStatus, error) {
	st, err := s.queue.Stats(ctx)
	if err != nil {
		return domain.QueueStatus{}, err
	}
	limit := int64(s.maxConcurrent)
	return domain.QueueStatus{
		QueueLength:      st.Waiting,
		ProcessingCount:  st.InFlight,
		MaxConcurrent:    limit,
		CanStartNewCheck: st.Waiting+st.InFlight < limit,
	}, nil
}

func (s *Service) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	qs, err := s.QueueStatus(r.Context())
	if err != nil {
		s.log.Error("queue stats failed", "err", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func (s *Service) publish(ctx context.Context, jobID, typ string, payload any) {
	if s.bus == nil {
		return
	}
	publish(ctx, s.bus, s.log, jobID, typ, payload)
}

func publish(ctx context.Context, bus eventbus.Bus, log *slog.Logger, jobID, typ string, payload any) {
	ev, err := eventbus.NewEvent(typ, payload)
	if err == nil {
		err = bus.Publish(context.WithoutCancel(ctx), jobID, ev)
	}
	if err != nil {
		log.Warn("publish event failed", "job_id", jobID, "type", typ, "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

var errNoFlusher = errors.New("streaming unsupported")
