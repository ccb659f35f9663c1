package jobcontrol

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/jobstats"
	collytransport "github.com/JakeFAU/crawlwatch/internal/transport/colly"
)

type fakePoster struct {
	mu    sync.Mutex
	urls  []string
	forms []map[string]string
	resp  jobstats.Response
	err   error
}

func (f *fakePoster) PostForm(_ context.Context, url string, form map[string]string) (jobstats.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	f.forms = append(f.forms, form)
	return f.resp, f.err
}

func (f *fakePoster) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.urls)
}

var key = jobstats.JobKey{Node: "10.0.0.5:6800", Project: "demo", Spider: "books", Job: "job1"}

func okPoster() *fakePoster {
	return &fakePoster{resp: jobstats.Response{StatusCode: http.StatusOK, Body: []byte(`{"status":"ok","prevstate":"running"}`)}}
}

func TestInvokeStopSendsOneCancel(t *testing.T) {
	t.Parallel()

	poster := okPoster()
	c := New(poster, zap.NewNop())
	require.NoError(t, c.Invoke(context.Background(), jobstats.ActionStop, key))

	require.Equal(t, 1, poster.calls())
	assert.Equal(t, "http://10.0.0.5:6800/cancel.json", poster.urls[0])
	assert.Equal(t, map[string]string{"project": "demo", "job": "job1"}, poster.forms[0])
}

func TestInvokeForceStopSendsTwoCancels(t *testing.T) {
	t.Parallel()

	poster := okPoster()
	c := New(poster, nil)
	require.NoError(t, c.Invoke(context.Background(), jobstats.ActionForceStop, key))
	assert.Equal(t, 2, poster.calls())
}

func TestInvokeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		poster *fakePoster
		action jobstats.Action
	}{
		{name: "unknown action", poster: okPoster(), action: jobstats.ActionNone},
		{name: "transport", poster: &fakePoster{err: errors.New("refused")}, action: jobstats.ActionStop},
		{name: "status", poster: &fakePoster{resp: jobstats.Response{StatusCode: http.StatusUnauthorized}}, action: jobstats.ActionStop},
		{name: "bad json", poster: &fakePoster{resp: jobstats.Response{StatusCode: http.StatusOK, Body: []byte("<html>")}}, action: jobstats.ActionStop},
		{
			name:   "rejected",
			poster: &fakePoster{resp: jobstats.Response{StatusCode: http.StatusOK, Body: []byte(`{"status":"error","message":"no such job"}`)}},
			action: jobstats.ActionForceStop,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := New(tc.poster, zap.NewNop()).Invoke(context.Background(), tc.action, key)
			assert.Error(t, err)
		})
	}

	err := New(okPoster(), nil).Invoke(context.Background(), "restart", key)
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestInvokeAgainstNode(t *testing.T) {
	t.Parallel()

	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cancel.json", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "job1", r.PostForm.Get("job"))
		mu.Lock()
		hits++
		mu.Unlock()
		_, _ = w.Write([]byte(`{"node_name":"n","status":"ok","prevstate":"running"}`))
	}))
	defer srv.Close()

	nodeKey := key
	nodeKey.Node = strings.TrimPrefix(srv.URL, "http://")
	c := New(collytransport.New(collytransport.Config{Timeout: time.Second}), zap.NewNop())
	require.NoError(t, c.Invoke(context.Background(), jobstats.ActionForceStop, nodeKey))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, hits)
}

func TestAsyncRunsActions(t *testing.T) {
	t.Parallel()

	poster := okPoster()
	a := NewAsync(New(poster, nil), 4, 1, zap.NewNop())
	done := make(chan struct{})
	go func() {
		a.Run(context.Background())
		close(done)
	}()

	require.NoError(t, a.Invoke(context.Background(), jobstats.ActionStop, key))
	require.NoError(t, a.Invoke(context.Background(), jobstats.ActionForceStop, key))
	a.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async controller did not drain")
	}
	assert.Equal(t, 3, poster.calls())
}

func TestAsyncDropsWhenFull(t *testing.T) {
	t.Parallel()

	a := NewAsync(New(okPoster(), nil), 1, 1, nil)
	require.NoError(t, a.Invoke(context.Background(), jobstats.ActionStop, key))
	assert.Error(t, a.Invoke(context.Background(), jobstats.ActionStop, key))
}
