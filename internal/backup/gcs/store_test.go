package gcs

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/crawlwatch/internal/jobstats"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(t *testing.T, fn roundTripperFunc) *storage.Client {
	t.Helper()
	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{Transport: fn}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func textResponse(r *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        make(http.Header),
		Request:       r,
	}
}

var key = jobstats.JobKey{Node: "10.0.0.5:6800", Project: "demo", Spider: "books", Job: "job1"}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	assert.Error(t, err)

	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return textResponse(r, http.StatusOK, `{}`), nil
	})
	_, err = New(client, Config{})
	assert.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return textResponse(r, http.StatusOK, `{}`), nil
	})
	store, err := New(client, Config{Bucket: "stats", Prefix: "/backup/"})
	require.NoError(t, err)
	assert.Equal(t, "backup/10_0_0_5_6800/demo/books/job1.json", store.ObjectName(key))

	bare, err := New(client, Config{Bucket: "stats"})
	require.NoError(t, err)
	assert.Equal(t, "10_0_0_5_6800/demo/books/job1.json", bare.ObjectName(key))
}

func TestSaveUploadsSnapshot(t *testing.T) {
	t.Parallel()

	var uploaded string
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/stats/o")
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		uploaded = string(body)
		return textResponse(r, http.StatusOK, `{"name":"backup/10_0_0_5_6800/demo/books/job1.json","bucket":"stats"}`), nil
	})
	store, err := New(client, Config{Bucket: "stats", Prefix: "backup"})
	require.NoError(t, err)

	err = store.Save(context.Background(), key, jobstats.Snapshot{LogparserVersion: "0.8.2", FinishReason: "finished"})
	require.NoError(t, err)
	assert.Contains(t, uploaded, `"logparser_version":"0.8.2"`)
}

func TestSaveServerError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return textResponse(r, http.StatusForbidden, `{"error":{"code":403,"message":"denied"}}`), nil
	})
	store, err := New(client, Config{Bucket: "stats"})
	require.NoError(t, err)

	err = store.Save(context.Background(), key, jobstats.Snapshot{})
	assert.Error(t, err)
}

func TestLoadMissingObject(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return textResponse(r, http.StatusNotFound, ``), nil
	})
	store, err := New(client, Config{Bucket: "stats"})
	require.NoError(t, err)

	_, err = store.Load(context.Background(), key)
	require.ErrorIs(t, err, jobstats.ErrNotFound)
}
