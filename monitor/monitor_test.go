package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adcheck/domain"
	"adcheck/handles"
	"adcheck/jobapi"
)

type fakeService struct {
	mu      sync.Mutex
	fetches int
	fetch   func(n int) (*domain.JobRecord, error)
	open    func(ctx context.Context) (*jobapi.Stream, error)
}

func (f *fakeService) Fetch(ctx context.Context, id string) (*domain.JobRecord, error) {
	f.mu.Lock()
	f.fetches++
	n := f.fetches
	f.mu.Unlock()
	if f.fetch == nil {
		return &domain.JobRecord{ID: id, Status: domain.CheckJobStatusProcessing}, nil
	}
	return f.fetch(n)
}

func (f *fakeService) OpenEvents(ctx context.Context, id string) (*jobapi.Stream, error) {
	if f.open == nil {
		return nil, errors.New("push disabled")
	}
	return f.open(ctx)
}

// pipePush hands the monitor a stream fed by the returned writer.
func pipePush() (func(context.Context) (*jobapi.Stream, error), *io.PipeWriter) {
	pr, pw := io.Pipe()
	return func(context.Context) (*jobapi.Stream, error) {
		return jobapi.NewStream(pr), nil
	}, pw
}

func recv(t *testing.T, ch <-chan domain.JobEvent) domain.JobEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return domain.JobEvent{}
}

func drain(t *testing.T, ch <-chan domain.JobEvent) []domain.JobEvent {
	t.Helper()
	var out []domain.JobEvent
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("event channel not closed")
		}
	}
}

func TestPollTerminalWinsOverLatePush(t *testing.T) {
	open, pw := pipePush()
	svc := &fakeService{
		open: open,
		fetch: func(int) (*domain.JobRecord, error) {
			return &domain.JobRecord{ID: "s1", Status: domain.CheckJobStatusCompleted, OriginalText: "T", ModifiedText: "T2"}, nil
		},
	}
	b := handles.New("j1", nil)
	events := New(svc, nil).Open(context.Background(), "s1", 10*time.Millisecond, b)

	first := recv(t, events)
	require.Equal(t, domain.EventComplete, first.Kind)
	assert.Equal(t, domain.SourcePoll, first.Source)
	assert.Equal(t, "T2", first.Result.ModifiedText)

	_, err := fmt.Fprint(pw, "event: complete\ndata: {\"id\":\"s1\",\"status\":\"completed\",\"originalText\":\"T\",\"modifiedText\":\"PUSH\"}\n\n")
	require.NoError(t, err)

	b.Close()
	for _, ev := range drain(t, events) {
		assert.False(t, ev.Terminal(), "second terminal event delivered: %+v", ev)
	}
}

func TestPushTerminalStopsPush(t *testing.T) {
	open, pw := pipePush()
	svc := &fakeService{open: open}
	b := handles.New("j1", nil)
	defer b.Close()
	events := New(svc, nil).Open(context.Background(), "s1", time.Hour, b)

	go func() {
		fmt.Fprint(pw, ": heartbeat\n\n")
		fmt.Fprint(pw, "event: progress\ndata: {\"message\":\"checking against rules\"}\n\n")
		fmt.Fprint(pw, "event: error\ndata: {\"message\":\"dictionary offline\"}\n\n")
	}()

	ev := recv(t, events)
	assert.Equal(t, domain.EventProgress, ev.Kind)
	assert.Equal(t, "checking against rules", ev.Message)

	ev = recv(t, events)
	assert.Equal(t, domain.EventError, ev.Kind)
	assert.Equal(t, "dictionary offline", ev.Err)
}

func TestMalformedPushMessageIgnored(t *testing.T) {
	open, pw := pipePush()
	svc := &fakeService{open: open}
	b := handles.New("j1", nil)
	defer b.Close()
	events := New(svc, nil).Open(context.Background(), "s1", time.Hour, b)

	go func() {
		fmt.Fprint(pw, "event: complete\ndata: {broken\n\n")
		fmt.Fprint(pw, "event: surprise\ndata: {}\n\n")
		fmt.Fprint(pw, "event: complete\ndata: {\"id\":\"s1\",\"status\":\"completed\",\"originalText\":\"ok\"}\n\n")
	}()

	ev := recv(t, events)
	require.Equal(t, domain.EventComplete, ev.Kind)
	assert.Equal(t, "ok", ev.Result.OriginalText)
}

func TestPushFailureDegradesAndPollContinues(t *testing.T) {
	svc := &fakeService{
		fetch: func(n int) (*domain.JobRecord, error) {
			if n < 3 {
				return &domain.JobRecord{Status: domain.CheckJobStatusProcessing}, nil
			}
			return &domain.JobRecord{Status: domain.CheckJobStatusCompleted, OriginalText: "x"}, nil
		},
	}
	b := handles.New("j1", nil)
	defer b.Close()
	events := New(svc, nil).Open(context.Background(), "s1", 10*time.Millisecond, b)

	var degraded bool
	for {
		ev := recv(t, events)
		if ev.Degraded {
			degraded = true
			assert.Equal(t, DegradedMessage, ev.Message)
			assert.False(t, ev.Terminal())
		}
		if ev.Terminal() {
			assert.Equal(t, domain.EventComplete, ev.Kind)
			break
		}
	}
	assert.True(t, degraded)
}

func TestPollReportsProgressOnlyOnStatusChange(t *testing.T) {
	open, _ := pipePush()
	svc := &fakeService{
		open: open,
		fetch: func(n int) (*domain.JobRecord, error) {
			switch {
			case n <= 2:
				return &domain.JobRecord{Status: domain.CheckJobStatusQueued}, nil
			case n <= 6:
				return &domain.JobRecord{Status: domain.CheckJobStatusProcessing}, nil
			default:
				return &domain.JobRecord{Status: domain.CheckJobStatusCompleted, OriginalText: "x"}, nil
			}
		},
	}
	b := handles.New("j1", nil)
	events := New(svc, nil).Open(context.Background(), "s1", 5*time.Millisecond, b)

	var messages []string
	for {
		ev := recv(t, events)
		if ev.Terminal() {
			require.Equal(t, domain.EventComplete, ev.Kind)
			break
		}
		messages = append(messages, ev.Message)
	}
	assert.Equal(t, []string{"waiting in queue", "processing"}, messages)
	b.Close()
	drain(t, events)
}

func TestPushDisconnectDegrades(t *testing.T) {
	open, pw := pipePush()
	svc := &fakeService{open: open}
	b := handles.New("j1", nil)
	defer b.Close()
	events := New(svc, nil).Open(context.Background(), "s1", time.Hour, b)

	require.NoError(t, pw.CloseWithError(errors.New("connection reset")))
	ev := recv(t, events)
	assert.True(t, ev.Degraded)
	assert.Equal(t, domain.SourcePush, ev.Source)
}

func TestPollFetchErrorRetriedOnNextTick(t *testing.T) {
	svc := &fakeService{
		fetch: func(n int) (*domain.JobRecord, error) {
			if n == 1 {
				return nil, errors.New("connection refused")
			}
			return &domain.JobRecord{Status: domain.CheckJobStatusFailed, ErrorMessage: "image unreadable"}, nil
		},
	}
	b := handles.New("j1", nil)
	defer b.Close()
	events := New(svc, nil).Open(context.Background(), "s1", 10*time.Millisecond, b)

	for {
		ev := recv(t, events)
		if ev.Degraded {
			continue
		}
		require.Equal(t, domain.EventError, ev.Kind)
		assert.Equal(t, "image unreadable", ev.Err)
		assert.Equal(t, domain.SourcePoll, ev.Source)
		break
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.GreaterOrEqual(t, svc.fetches, 2)
}

func TestCloseStopsBothAdapters(t *testing.T) {
	open, _ := pipePush()
	svc := &fakeService{open: open}
	b := handles.New("j1", nil)
	events := New(svc, nil).Open(context.Background(), "s1", 5*time.Millisecond, b)

	// Let the poll ticker and push stream attach.
	recv(t, events)
	require.True(t, b.Close())
	drain(t, events)
}

func TestContextCancelStopsAdapters(t *testing.T) {
	svc := &fakeService{}
	ctx, cancel := context.WithCancel(context.Background())
	b := handles.New("j1", nil)
	defer b.Close()
	events := New(svc, nil).Open(ctx, "s1", 5*time.Millisecond, b)
	cancel()
	drain(t, events)
}

func TestArbitrateFirstTerminalWins(t *testing.T) {
	raw := make(chan domain.JobEvent, 8)
	out := make(chan domain.JobEvent, 8)
	raw <- domain.JobEvent{Kind: domain.EventProgress, Source: domain.SourcePush, Message: "a"}
	raw <- domain.JobEvent{Kind: domain.EventComplete, Source: domain.SourcePoll, Result: &domain.CheckResult{ModifiedText: "T2"}}
	raw <- domain.JobEvent{Kind: domain.EventComplete, Source: domain.SourcePush, Result: &domain.CheckResult{ModifiedText: "late"}}
	raw <- domain.JobEvent{Kind: domain.EventProgress, Source: domain.SourcePush, Message: "b"}
	raw <- domain.JobEvent{Kind: domain.EventError, Source: domain.SourcePush, Err: "late"}
	close(raw)

	arbitrate(context.Background(), raw, out, slogDiscard())

	var got []domain.JobEvent
	for ev := range out {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Message)
	assert.Equal(t, "T2", got[1].Result.ModifiedText)
}

func TestEventFromRecord(t *testing.T) {
	cases := []struct {
		status domain.CheckJobStatus
		kind   domain.EventKind
		err    string
	}{
		{domain.CheckJobStatusQueued, domain.EventProgress, ""},
		{domain.CheckJobStatusProcessing, domain.EventProgress, ""},
		{domain.CheckJobStatusCompleted, domain.EventComplete, ""},
		{domain.CheckJobStatusFailed, domain.EventError, "check failed"},
		{domain.CheckJobStatusCancelled, domain.EventError, "cancelled on the server"},
	}
	for _, tc := range cases {
		ev, ok := eventFromRecord(&domain.JobRecord{Status: tc.status})
		require.True(t, ok, tc.status)
		assert.Equal(t, tc.kind, ev.Kind, tc.status)
		assert.Equal(t, tc.err, ev.Err, tc.status)
		assert.Equal(t, domain.SourcePoll, ev.Source)
	}
	_, ok := eventFromRecord(&domain.JobRecord{Status: "paused"})
	assert.False(t, ok)
}
