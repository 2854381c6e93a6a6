package domain

import (
	"errors"
	"strings"
	"time"
)

// InputKind selects which analysis pipeline the service runs.
type InputKind string

const (
	InputKindText  InputKind = "text"
	InputKindImage InputKind = "image"
)

// InputDescriptor is the unit of content a user submits.
type InputDescriptor struct {
	Kind     InputKind `json:"inputKind"`
	Text     string    `json:"text,omitempty"`
	ImageRef string    `json:"imageRef,omitempty"`
}

func (d InputDescriptor) Validate() error {
	switch d.Kind {
	case InputKindText:
		if strings.TrimSpace(d.Text) == "" {
			return errors.New("text input is empty")
		}
	case InputKindImage:
		if strings.TrimSpace(d.ImageRef) == "" {
			return errors.New("image reference is empty")
		}
	default:
		return errors.New("unknown input kind: " + string(d.Kind))
	}
	return nil
}

// JobStatus is the client-side lifecycle state of a Job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusSubmitting JobStatus = "submitting"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusTimedOut   JobStatus = "timed_out"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimedOut:
		return true
	default:
		return false
	}
}

// Violation is a flagged span as reported by the service. Start/End are
// half-open rune offsets into the text the service analysed.
type Violation struct {
	Start              int    `json:"start"`
	End                int    `json:"end"`
	Reason             string `json:"reason"`
	DictionaryPhrase   string `json:"dictionaryPhrase,omitempty"`
	DictionaryCategory string `json:"dictionaryCategory,omitempty"`
}

// CheckResult is present on a Job only once it is Completed.
type CheckResult struct {
	OriginalText string      `json:"originalText"`
	ModifiedText string      `json:"modifiedText"`
	Violations   []Violation `json:"violations"`
}

func (r *CheckResult) clone() *CheckResult {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Violations = append([]Violation(nil), r.Violations...)
	return &cp
}

// HighlightRange is a validated, renderable span over the client's copy of
// the original text.
type HighlightRange struct {
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Reason string `json:"reason"`
}

// Job is one user-initiated analysis request tracked for the session.
type Job struct {
	ID              string          `json:"id"`
	ServerID        string          `json:"serverId,omitempty"`
	Input           InputDescriptor `json:"input"`
	Status          JobStatus       `json:"status"`
	StatusMessage   string          `json:"statusMessage"`
	Result          *CheckResult    `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	Seq             int64           `json:"seq"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	CancelRequested bool            `json:"cancelRequested"`
}

// Clone returns a copy that shares no mutable state with j.
func (j Job) Clone() Job {
	j.Result = j.Result.clone()
	return j
}
