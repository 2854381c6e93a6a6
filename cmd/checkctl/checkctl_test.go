package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adcheck/check"
	"adcheck/domain"
	"adcheck/eventbus"
	"adcheck/store"
	"adcheck/streamq"
)

func TestRenderResultMarksPlacedViolations(t *testing.T) {
	res := &domain.CheckResult{
		OriginalText: "今日はがんの話です。",
		ModifiedText: "今日は病気の話です。",
		Violations: []domain.Violation{
			{Start: 100, End: 102, Reason: "「がん」は疾病名"},
			{Start: 0, End: 0, Reason: "文章全体が誇大"},
		},
	}
	var buf bytes.Buffer
	renderResult(&buf, res, plainRenderer())
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "今日は[がん](1)の話です。\n"), out)
	assert.Contains(t, out, "suggested: 今日は病気の話です。")
	assert.Contains(t, out, "(1) 「がん」 「がん」は疾病名")
	assert.Contains(t, out, "(-) 文章全体が誇大")
}

func TestRenderResultClean(t *testing.T) {
	var buf bytes.Buffer
	renderResult(&buf, &domain.CheckResult{OriginalText: "問題なし"}, plainRenderer())
	assert.Equal(t, "問題なし\nno issues found\n", buf.String())
}

func TestInputFrom(t *testing.T) {
	in, err := inputFrom([]string{"miracle", "cream"}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.InputDescriptor{Kind: domain.InputKindText, Text: "miracle cream"}, in)

	in, err = inputFrom(nil, "", strings.NewReader("がんが治る\n"))
	require.NoError(t, err)
	assert.Equal(t, "がんが治る", in.Text)

	in, err = inputFrom(nil, "uploads/a.png", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.InputKindImage, in.Kind)

	_, err = inputFrom([]string{"x"}, "uploads/a.png", nil)
	assert.Error(t, err)
	_, err = inputFrom(nil, "", strings.NewReader("   "))
	assert.Error(t, err)
}

func TestQueueLine(t *testing.T) {
	assert.Equal(t, "busy: 3 waiting, 2/2 processing",
		queueLine(domain.QueueStatus{QueueLength: 3, ProcessingCount: 2, MaxConcurrent: 2}))
	assert.Equal(t, "accepting: 0 waiting, 0/2 processing",
		queueLine(domain.QueueStatus{MaxConcurrent: 2, CanStartNewCheck: true}))
}

func newService(t *testing.T) *httptest.Server {
	t.Helper()
	st := store.NewInMemoryCheckJobStore()
	q := streamq.NewMemoryQueue(16, 2)
	bus := eventbus.NewMemory()
	mux := http.NewServeMux()
	check.NewService(st, q, bus, 2).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	worker := check.NewWorker(st, bus, nil)
	go func() { _ = q.ConsumeLoop(ctx, worker.Handle) }()
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv
}

func TestSubmitCommand(t *testing.T) {
	srv := newService(t)
	var stdout, stderr bytes.Buffer
	cmd := RootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"--base-url", srv.URL, "--no-color", "submit", "飲むだけで痩せる"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, stdout.String(), "飲むだけで[痩せる](1)")
	assert.Contains(t, stdout.String(), "suggested: 飲むだけですっきりとした毎日をサポート")
	assert.Contains(t, stderr.String(), "completed")
}

func TestSubmitCommandRejectsBadURL(t *testing.T) {
	cmd := RootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--base-url", "ftp://nowhere", "submit", "text"})
	assert.Error(t, cmd.Execute())
}
