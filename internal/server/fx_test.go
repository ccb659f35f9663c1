package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlwatch/internal/config"
	"github.com/JakeFAU/crawlwatch/internal/monitor"
)

const runningLog = `2024-03-01 10:00:00 [scrapy.utils.log] INFO: Scrapy 2.11.0 started (bot: demo)
2024-03-01 10:00:01 [scrapy.core.engine] DEBUG: Crawled (200) <GET http://example.com/> (referer: None)
2024-03-01 10:00:02 [scrapy.core.scraper] ERROR: Spider error processing <GET http://example.com/a>
2024-03-01 10:00:03 [scrapy.core.scraper] ERROR: Spider error processing <GET http://example.com/b>
2024-03-01 10:01:00 [scrapy.extensions.logstats] INFO: Crawled 2 pages (at 2 pages/min), scraped 0 items (at 0 items/min)
`

type fakeNode struct {
	*httptest.Server
	mu      sync.Mutex
	cancels []string
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	n := &fakeNode{}
	mux := http.NewServeMux()
	mux.HandleFunc("/logs/demo/books/job1.log", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, runningLog)
	})
	mux.HandleFunc("/cancel.json", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		n.mu.Lock()
		n.cancels = append(n.cancels, r.PostForm.Get("project")+"/"+r.PostForm.Get("job"))
		n.mu.Unlock()
		_, _ = fmt.Fprint(w, `{"status":"ok","prevstate":"running"}`)
	})
	n.Server = httptest.NewServer(mux)
	t.Cleanup(n.Close)
	return n
}

func (n *fakeNode) cancelled() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.cancels...)
}

func testConfig(t *testing.T, node string) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{Port: 8080, PublicURL: "http://watch.local"},
		Scrapyd: config.ScrapydConfig{
			Servers:        []config.ServerEntry{{Address: node}},
			LogExtensions:  []string{".log"},
			TimeoutSeconds: 5,
		},
		LogParser: config.LogParserConfig{Version: "0.8.2"},
		Stats:     config.StatsConfig{BackupEnabled: true, Dir: t.TempDir(), Backend: config.BackendLocal},
		Alert: config.AlertConfig{
			Enabled:          true,
			OnJobFinished:    true,
			FinishedCapacity: 10,
			Triggers:         map[string]config.TriggerConfig{"error": {Threshold: 1, Stop: true}},
		},
		Notify:  config.NotifyConfig{Sender: config.SenderLog, Timezone: "UTC", QueueDepth: 8, Workers: 1},
		Control: config.ControlConfig{QueueDepth: 8, Workers: 1},
		Logging: config.LoggingConfig{Level: "error"},
	}
}

func TestBuildServesPollsAndStopsJob(t *testing.T) {
	node := newFakeNode(t)
	addr := strings.TrimPrefix(node.URL, "http://")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := Build(ctx, testConfig(t, addr))
	require.NoError(t, err)
	defer func() { _ = app.Close(context.Background()) }()
	app.StartWorkers(ctx)

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/v1/nodes/1/stats/demo/books/job1", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report monitor.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.True(t, report.Refresh)
	require.NotNil(t, report.Alert)
	assert.Equal(t, "Error_Stop", report.Alert.Flag)

	require.Eventually(t, func() bool {
		return len(node.cancelled()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"demo/job1"}, node.cancelled())
}

func TestStopEndpointCancelsBeforeReplying(t *testing.T) {
	node := newFakeNode(t)
	addr := strings.TrimPrefix(node.URL, "http://")

	app, err := Build(context.Background(), testConfig(t, addr))
	require.NoError(t, err)
	defer func() { _ = app.Close(context.Background()) }()

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/nodes/1/stop/demo/job1?force=true", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// No workers are running, so the cancels must have been sent inline.
	assert.Equal(t, []string{"demo/job1", "demo/job1"}, node.cancelled())
}

func TestBuildFailsOnUnreachableRedis(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:6800")
	cfg.Notify.Sender = config.SenderRedis
	cfg.Redis = config.RedisConfig{Address: "127.0.0.1:1", Stream: "s"}

	_, err := Build(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis connect failed")
}

func TestCloseIsIdempotent(t *testing.T) {
	app, err := Build(context.Background(), testConfig(t, "127.0.0.1:6800"))
	require.NoError(t, err)
	require.NoError(t, app.Close(context.Background()))
	require.NoError(t, app.Close(context.Background()))
}
