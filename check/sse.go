package check

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"adcheck/domain"
)

const (
	eventProgress = "progress"
	eventComplete = "complete"
	eventError    = "error"
	eventQueue    = "queue"

	cancelledMessage = "cancelled"
)

func startSSE(w http.ResponseWriter) (http.Flusher, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errNoFlusher
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return f, nil
}

func writeEvent(w http.ResponseWriter, f http.Flusher, typ string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typ, data); err != nil {
		return err
	}
	f.Flush()
	return nil
}

func writeEventJSON(w http.ResponseWriter, f http.Flusher, typ string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return writeEvent(w, f, typ, b)
}

// terminalEvent is the event that ends a finished job's stream.
func terminalEvent(job *domain.CheckJob) (string, any) {
	switch job.Status {
	case domain.CheckJobStatusCompleted:
		return eventComplete, job.Record()
	case domain.CheckJobStatusCancelled:
		return eventError, domain.ErrorPayload{Message: cancelledMessage}
	default:
		msg := job.Error
		if msg == "" {
			msg = "check failed"
		}
		return eventError, domain.ErrorPayload{Message: msg}
	}
}

// handleJobEvents streams one job's events until a terminal event has been
// sent or the client goes away. A job that is already finished gets its
// terminal event immediately.
func (s *Service) handleJobEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx := r.Context()
	// Subscribe before reading the record so nothing published in between is
	// missed.
	sub, err := s.bus.Subscribe(ctx, jobID)
	if err != nil {
		s.log.Error("subscribe failed", "job_id", jobID, "err", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	job, ok, err := s.store.Get(ctx, jobID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	f, err := startSSE(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log := s.log.With("job_id", jobID)

	if job.Status.Terminal() {
		typ, payload := terminalEvent(job)
		if err := writeEventJSON(w, f, typ, payload); err != nil {
			log.Debug("sse write failed", "err", err)
		}
		return
	}
	if job.Status == domain.CheckJobStatusProcessing {
		_ = writeEventJSON(w, f, eventProgress, domain.ProgressPayload{Stage: "processing", Message: "processing"})
	}

	heartbeat := time.NewTicker(s.heartbeatEvery)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			f.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				log.Warn("event subscription closed")
				return
			}
			if err := writeEvent(w, f, ev.Type, ev.Data); err != nil {
				log.Debug("sse write failed", "err", err)
				return
			}
			if ev.Type == eventComplete || ev.Type == eventError {
				return
			}
		}
	}
}

// handleQueueEvents broadcasts the queue status right away and then on
// every tick until the client goes away.
func (s *Service) handleQueueEvents(w http.ResponseWriter, r *http.Request) {
	f, err := startSSE(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ctx := r.Context()
	t := time.NewTicker(s.queueEvery)
	defer t.Stop()
	for {
		qs, err := s.QueueStatus(ctx)
		if err != nil {
			s.log.Warn("queue stats failed", "err", err)
		} else if err := writeEventJSON(w, f, eventQueue, qs); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
