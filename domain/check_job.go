package domain

import "time"

// CheckJobStatus is the service-side status of a check job.
type CheckJobStatus string

const (
	CheckJobStatusQueued     CheckJobStatus = "queued"
	CheckJobStatusProcessing CheckJobStatus = "processing"
	CheckJobStatusCompleted  CheckJobStatus = "completed"
	CheckJobStatusFailed     CheckJobStatus = "failed"
	CheckJobStatusCancelled  CheckJobStatus = "cancelled"
)

func (s CheckJobStatus) Terminal() bool {
	return s == CheckJobStatusCompleted || s == CheckJobStatusFailed || s == CheckJobStatusCancelled
}

// CheckJob is the authoritative record the service keeps per job.
type CheckJob struct {
	ID        string         `json:"id"`
	Status    CheckJobStatus `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`

	InputKind InputKind `json:"inputKind"`
	Text      string    `json:"text,omitempty"`
	ImageRef  string    `json:"imageRef,omitempty"`

	ExtractedText string      `json:"extractedText,omitempty"`
	ModifiedText  string      `json:"modifiedText,omitempty"`
	Violations    []Violation `json:"violations,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`

	Error string `json:"error,omitempty"`
}

// OriginalText is the text the violations' offsets refer to.
func (j *CheckJob) OriginalText() string {
	if j.InputKind == InputKindImage {
		return j.ExtractedText
	}
	return j.Text
}

// Record projects the job onto the wire shape returned by the poll endpoint.
func (j *CheckJob) Record() JobRecord {
	rec := JobRecord{
		ID:           j.ID,
		Status:       j.Status,
		InputKind:    j.InputKind,
		OriginalText: j.Text,
		ModifiedText: j.ModifiedText,
		ErrorMessage: j.Error,
		Violations:   j.Violations,
	}
	if j.InputKind == InputKindImage {
		rec.OriginalText = ""
		rec.ExtractedText = j.ExtractedText
	}
	return rec
}

// JobRecord is the poll fetch payload and also the body of a push "complete".
type JobRecord struct {
	ID            string         `json:"id"`
	Status        CheckJobStatus `json:"status"`
	InputKind     InputKind      `json:"inputKind,omitempty"`
	OriginalText  string         `json:"originalText,omitempty"`
	ExtractedText string         `json:"extractedText,omitempty"`
	ModifiedText  string         `json:"modifiedText,omitempty"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`
	Violations    []Violation    `json:"violations,omitempty"`
}

// Result builds the client-side CheckResult. Image jobs report the OCR output
// as extractedText; it is the original text for highlighting purposes.
func (r JobRecord) Result() *CheckResult {
	original := r.OriginalText
	if original == "" {
		original = r.ExtractedText
	}
	return &CheckResult{
		OriginalText: original,
		ModifiedText: r.ModifiedText,
		Violations:   append([]Violation(nil), r.Violations...),
	}
}

// QueueStatus is the session-wide admission signal broadcast by the service.
type QueueStatus struct {
	QueueLength      int64 `json:"queueLength"`
	ProcessingCount  int64 `json:"processingCount"`
	MaxConcurrent    int64 `json:"maxConcurrent"`
	CanStartNewCheck bool  `json:"canStartNewCheck"`
}

// ProgressPayload is the body of a push "progress" event.
type ProgressPayload struct {
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorPayload is the body of a push "error" event.
type ErrorPayload struct {
	Message string `json:"message"`
}
