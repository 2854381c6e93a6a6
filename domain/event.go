package domain

// EventKind tags a JobEvent.
type EventKind string

const (
	EventHeartbeat EventKind = "heartbeat"
	EventProgress  EventKind = "progress"
	EventComplete  EventKind = "complete"
	EventError     EventKind = "error"
)

// EventSource names the channel a JobEvent came from.
type EventSource string

const (
	SourcePush EventSource = "push"
	SourcePoll EventSource = "poll"
)

// JobEvent is the normalized notification both channels produce.
//
//	heartbeat: no payload
//	progress:  Message
//	complete:  Result
//	error:     Err
type JobEvent struct {
	Kind    EventKind
	Source  EventSource
	Message string
	Result  *CheckResult
	Err     string
	// Degraded marks the advisory event emitted when the push channel is lost.
	Degraded bool
}

func (e JobEvent) Terminal() bool {
	return e.Kind == EventComplete || e.Kind == EventError
}
