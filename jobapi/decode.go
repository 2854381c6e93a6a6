package jobapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"adcheck/domain"
)

// ParseError is a push frame that could not be turned into a JobEvent.
type ParseError struct {
	Event string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed %q event: %v", e.Event, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DecodeEvent maps a push frame onto a JobEvent. Anything it cannot
// understand is a ParseError; callers drop it rather than guess.
func DecodeEvent(f Frame) (domain.JobEvent, error) {
	if f.Comment {
		return domain.JobEvent{Kind: domain.EventHeartbeat, Source: domain.SourcePush}, nil
	}
	ev := domain.JobEvent{Source: domain.SourcePush}
	switch strings.TrimSpace(f.Event) {
	case "heartbeat":
		ev.Kind = domain.EventHeartbeat
	case "progress":
		var p domain.ProgressPayload
		if err := unmarshal(f, &p); err != nil {
			return domain.JobEvent{}, err
		}
		ev.Kind = domain.EventProgress
		ev.Message = p.Message
		if ev.Message == "" {
			ev.Message = p.Stage
		}
	case "complete":
		var rec domain.JobRecord
		if err := unmarshal(f, &rec); err != nil {
			return domain.JobEvent{}, err
		}
		ev.Kind = domain.EventComplete
		ev.Result = rec.Result()
	case "error":
		var p domain.ErrorPayload
		if err := unmarshal(f, &p); err != nil {
			return domain.JobEvent{}, err
		}
		if strings.TrimSpace(p.Message) == "" {
			p.Message = "check failed"
		}
		ev.Kind = domain.EventError
		ev.Err = p.Message
	default:
		return domain.JobEvent{}, &ParseError{Event: f.Event, Err: fmt.Errorf("unknown event type")}
	}
	return ev, nil
}

// DecodeQueueStatus reads a queue stream frame.
func DecodeQueueStatus(f Frame) (domain.QueueStatus, error) {
	var qs domain.QueueStatus
	if f.Event != "queue" {
		return qs, &ParseError{Event: f.Event, Err: fmt.Errorf("not a queue event")}
	}
	if err := unmarshal(f, &qs); err != nil {
		return qs, err
	}
	return qs, nil
}

func unmarshal(f Frame, v any) error {
	if strings.TrimSpace(f.Data) == "" {
		return &ParseError{Event: f.Event, Err: fmt.Errorf("empty data")}
	}
	if err := json.Unmarshal([]byte(f.Data), v); err != nil {
		return &ParseError{Event: f.Event, Err: err}
	}
	return nil
}
