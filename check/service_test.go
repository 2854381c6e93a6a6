package check

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adcheck/domain"
	"adcheck/eventbus"
	"adcheck/jobapi"
	"adcheck/store"
	"adcheck/streamq"
)

type testEnv struct {
	svc    *Service
	store  *store.InMemoryCheckJobStore
	queue  *streamq.MemoryQueue
	bus    *eventbus.Memory
	srv    *httptest.Server
	client *jobapi.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store: store.NewInMemoryCheckJobStore(),
		queue: streamq.NewMemoryQueue(16, 2),
		bus:   eventbus.NewMemory(),
	}
	env.svc = NewService(env.store, env.queue, env.bus, 2, WithStreamIntervals(20*time.Millisecond, 20*time.Millisecond))
	mux := http.NewServeMux()
	env.svc.RegisterRoutes(mux)
	env.srv = httptest.NewServer(mux)
	t.Cleanup(env.srv.Close)

	c, err := jobapi.New(env.srv.URL, 5*time.Second)
	require.NoError(t, err)
	env.client = c
	return env
}

func nextFrame(t *testing.T, s *jobapi.Stream) jobapi.Frame {
	t.Helper()
	type res struct {
		f   jobapi.Frame
		err error
	}
	ch := make(chan res, 1)
	go func() {
		f, err := s.Next()
		ch <- res{f, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame")
	}
	return jobapi.Frame{}
}

func TestCreateAndGetJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.client.Submit(ctx, domain.InputDescriptor{Kind: domain.InputKindText, Text: "がんが治る"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := env.client.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckJobStatusQueued, rec.Status)
	assert.Equal(t, "がんが治る", rec.OriginalText)

	qs, err := env.svc.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), qs.QueueLength)
	assert.True(t, qs.CanStartNewCheck)
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]string{
		"bad json":     `{`,
		"unknown kind": `{"inputKind":"video"}`,
		"empty text":   `{"inputKind":"text","text":"  "}`,
		"no image ref": `{"inputKind":"image"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(env.srv.URL+"/checks", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	resp, err := http.Get(env.srv.URL + "/checks")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestGetUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.client.Fetch(context.Background(), "nope")
	assert.ErrorIs(t, err, jobapi.ErrNotFound)

	err = env.client.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, jobapi.ErrNotFound)
}

func TestCancelIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, err := env.client.Submit(ctx, domain.InputDescriptor{Kind: domain.InputKindText, Text: "miracle"})
	require.NoError(t, err)

	sub, err := env.bus.Subscribe(ctx, id)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, env.client.Cancel(ctx, id))
	require.NoError(t, env.client.Cancel(ctx, id))

	rec, err := env.client.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckJobStatusCancelled, rec.Status)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, eventError, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no cancel event")
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("second cancel published %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelDoesNotOverwriteCompleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.Create(ctx, &domain.CheckJob{ID: "done", Status: domain.CheckJobStatusCompleted, InputKind: domain.InputKindText, Text: "x"}))

	require.NoError(t, env.client.Cancel(ctx, "done"))
	rec, err := env.client.Fetch(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, domain.CheckJobStatusCompleted, rec.Status)
}

func TestEventsForFinishedJobSendTerminalAtOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.Create(ctx, &domain.CheckJob{
		ID:           "j1",
		Status:       domain.CheckJobStatusCompleted,
		InputKind:    domain.InputKindText,
		Text:         "がん",
		ModifiedText: "がん",
		Violations:   []domain.Violation{{Start: 0, End: 2, Reason: "「がん」"}},
	}))

	s, err := env.client.OpenEvents(ctx, "j1")
	require.NoError(t, err)
	defer s.Close()

	ev, err := jobapi.DecodeEvent(nextFrame(t, s))
	require.NoError(t, err)
	require.Equal(t, domain.EventComplete, ev.Kind)
	assert.Equal(t, "がん", ev.Result.OriginalText)
	assert.Len(t, ev.Result.Violations, 1)

	_, err = s.Next()
	assert.Error(t, err, "stream should end after the terminal event")
}

func TestEventsStreamLiveEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, err := env.client.Submit(ctx, domain.InputDescriptor{Kind: domain.InputKindText, Text: "miracle"})
	require.NoError(t, err)

	s, err := env.client.OpenEvents(ctx, id)
	require.NoError(t, err)
	defer s.Close()

	// Heartbeats arrive while nothing happens.
	f := nextFrame(t, s)
	assert.True(t, f.Comment)

	publish(ctx, env.bus, env.svc.log, id, eventProgress, domain.ProgressPayload{Message: "checking against rules"})
	require.NoError(t, env.client.Cancel(ctx, id))

	var kinds []domain.EventKind
	for {
		ev, err := jobapi.DecodeEvent(nextFrame(t, s))
		require.NoError(t, err)
		if ev.Kind == domain.EventHeartbeat {
			continue
		}
		kinds = append(kinds, ev.Kind)
		if ev.Terminal() {
			assert.Equal(t, cancelledMessage, ev.Err)
			break
		}
	}
	assert.Equal(t, []domain.EventKind{domain.EventProgress, domain.EventError}, kinds)
}

func TestEventsUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.client.OpenEvents(context.Background(), "missing")
	var apiErr *jobapi.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestQueueStatusAndEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := env.client.Submit(ctx, domain.InputDescriptor{Kind: domain.InputKindText, Text: "text"})
		require.NoError(t, err)
	}

	resp, err := http.Get(env.srv.URL + "/checks/queue")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s, err := env.client.OpenQueue(ctx)
	require.NoError(t, err)
	defer s.Close()

	qs, err := jobapi.DecodeQueueStatus(nextFrame(t, s))
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatus{QueueLength: 2, MaxConcurrent: 2, CanStartNewCheck: false}, qs)

	// Broadcast repeats on the tick.
	_, err = jobapi.DecodeQueueStatus(nextFrame(t, s))
	assert.NoError(t, err)
}

func TestJobRoutesNotFound(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/checks/a/b/c", "/checks/queue/x/y", "/checks/a/unknown"} {
		resp, err := http.Get(env.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}
