package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/alert"
	"github.com/JakeFAU/crawlwatch/internal/jobstats"
	"github.com/JakeFAU/crawlwatch/internal/monitor"
	"github.com/JakeFAU/crawlwatch/internal/resolver"
)

type stubResolver struct {
	requests []resolver.Request
	err      error
}

func (s *stubResolver) Resolve(_ context.Context, req resolver.Request) (resolver.Result, error) {
	s.requests = append(s.requests, req)
	return resolver.Result{
		Snapshot:   jobstats.Snapshot{FinishReason: jobstats.NA, Pages: jobstats.IntPtr(4)},
		Provenance: jobstats.ProvenanceRemoteParsed,
		Trusted:    true,
	}, s.err
}

type fakeApp struct {
	svc     *monitor.Service
	started bool
	closed  int
	ran     bool
}

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

func (f *fakeApp) Monitor() *monitor.Service { return f.svc }

func (f *fakeApp) Handler() http.Handler { return http.NotFoundHandler() }

func (f *fakeApp) StartWorkers(context.Context) { f.started = true }

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return nil
}

func (f *fakeApp) Close(context.Context) error {
	f.closed++
	return nil
}

func withFakeApp(t *testing.T, res *stubResolver) *fakeApp {
	t.Helper()
	svc, err := monitor.New(monitor.Config{Nodes: []resolver.Node{{Address: "10.0.0.5:6800"}}},
		res, nil, alert.NewFinishedRegistry(0), zap.NewNop())
	require.NoError(t, err)
	app := &fakeApp{svc: svc}

	orig := newApp
	newApp = func(context.Context, string) (App, error) { return app, nil }
	t.Cleanup(func() { newApp = orig })
	return app
}

func execute(args ...string) (string, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCheckPrintsReport(t *testing.T) {
	res := &stubResolver{}
	app := withFakeApp(t, res)

	out, err := execute("check", "demo", "books", "job1", "--realtime", "--poll")
	require.NoError(t, err)

	var report monitor.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "/10.0.0.5:6800/demo/books/job1", report.JobKey)
	assert.Equal(t, jobstats.ProvenanceRemoteParsed, report.Provenance)
	require.NotNil(t, report.Stats)
	assert.Equal(t, 4, *report.Stats.Pages)

	require.Len(t, res.requests, 1)
	assert.Equal(t, resolver.ModeRealtime, res.requests[0].Mode)
	assert.True(t, app.started)
	assert.Equal(t, 1, app.closed)
}

func TestCheckReportsFailures(t *testing.T) {
	withFakeApp(t, &stubResolver{err: &resolver.ExhaustedError{URL: "http://10.0.0.5:6800/logs/demo/books/job1.log", StatusCode: 404}})

	_, err := execute("check", "demo", "books", "job1")
	require.Error(t, err)
	assert.ErrorIs(t, err, resolver.ErrExhausted)

	_, err = execute("check", "demo", "books")
	require.Error(t, err)
}

func TestServeRunsApp(t *testing.T) {
	app := withFakeApp(t, &stubResolver{})

	_, err := execute("serve")
	require.NoError(t, err)
	assert.True(t, app.ran)
}

func TestAppFactoryFailure(t *testing.T) {
	orig := newApp
	newApp = func(context.Context, string) (App, error) { return nil, errors.New("bad config") }
	t.Cleanup(func() { newApp = orig })

	_, err := execute("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad config")
}
