package logparse

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlwatch/internal/jobstats"
)

const sampleLog = `2024-03-01 10:00:00 [scrapy.utils.log] INFO: Scrapy 2.11.0 started (bot: demo)
2024-03-01 10:00:01 [scrapy.core.engine] DEBUG: Crawled (200) <GET http://example.com/> (referer: None)
2024-03-01 10:00:02 [scrapy.downloadermiddlewares.redirect] DEBUG: Redirecting (302) to <GET http://example.com/a> from <GET http://example.com/b>
2024-03-01 10:00:03 [scrapy.downloadermiddlewares.retry] DEBUG: Retrying <GET http://example.com/c> (failed 1 times): 500 Internal Server Error
2024-03-01 10:00:04 [scrapy.spidermiddlewares.httperror] INFO: Ignoring response <404 http://example.com/d>: HTTP status code is not handled or not allowed
2024-03-01 10:00:05 [scrapy.core.scraper] DEBUG: Scraped from <200 http://example.com/>
{'title': 'Example'}
2024-03-01 10:00:06 [scrapy.core.scraper] ERROR: Spider error processing <GET http://example.com/e>
Traceback (most recent call last):
2024-03-01 10:00:07 [demo] WARNING: slow page
2024-03-01 10:01:00 [scrapy.extensions.logstats] INFO: Crawled 12 pages (at 12 pages/min), scraped 3 items (at 3 items/min)
2024-03-01 10:01:01 [scrapy.crawler] INFO: Received SIGTERM, shutting down gracefully. Send again to force
2024-03-01 10:01:02 [scrapy.statscollectors] INFO: Dumping Scrapy stats:
{'downloader/request_count': 13,
 'finish_reason': 'shutdown',
 'start_time': datetime.datetime(2024, 3, 1, 10, 0)}
2024-03-01 10:01:02 [scrapy.core.engine] INFO: Spider closed (shutdown)
`

func newParser() *Parser {
	return &Parser{
		Version:  "0.8.2",
		Location: time.UTC,
		Now:      func() time.Time { return time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC) },
	}
}

func TestParseCountsCategories(t *testing.T) {
	t.Parallel()

	snap, err := newParser().Parse(sampleLog)
	require.NoError(t, err)

	assert.Equal(t, 0, snap.CategoryCount(jobstats.Critical))
	assert.Equal(t, 1, snap.CategoryCount(jobstats.Error))
	assert.Equal(t, 1, snap.CategoryCount(jobstats.Warning))
	assert.Equal(t, 1, snap.CategoryCount(jobstats.Redirect))
	assert.Equal(t, 1, snap.CategoryCount(jobstats.Retry))
	assert.Equal(t, 1, snap.CategoryCount(jobstats.Ignore))
	assert.Len(t, snap.LogCategories, jobstats.NumCategories)
}

func TestParseProgressAndReasons(t *testing.T) {
	t.Parallel()

	snap, err := newParser().Parse(sampleLog)
	require.NoError(t, err)

	require.NotNil(t, snap.Pages)
	require.NotNil(t, snap.Items)
	assert.Equal(t, 12, *snap.Pages)
	assert.Equal(t, 3, *snap.Items)
	assert.Equal(t, "shutdown", snap.FinishReason)
	assert.Equal(t, "Received SIGTERM", snap.ShutdownReason)
	assert.True(t, snap.Finished())
	assert.Equal(t, "0.8.2", snap.LogparserVersion)
}

func TestParseTimesAndLatest(t *testing.T) {
	t.Parallel()

	snap, err := newParser().Parse(sampleLog)
	require.NoError(t, err)

	assert.Equal(t, "2024-03-01 10:00:00", snap.FirstLogTime)
	assert.Equal(t, "2024-03-01 10:01:02", snap.LatestLogTime)
	assert.Equal(t, "0:01:02", snap.Runtime)
	assert.Equal(t, "2024-03-01 11:00:00", snap.LastUpdateTime)
	assert.Equal(t, "{'title': 'Example'}", snap.LatestMatches.LatestItem)
	assert.Contains(t, snap.LatestMatches.LatestCrawl, "Crawled (200)")
	assert.Equal(t, float64(time.Date(2024, 3, 1, 10, 0, 1, 0, time.UTC).Unix()), snap.LatestCrawlTimestamp)
	assert.Equal(t, float64(time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC).Unix()), snap.LatestScrapeTimestamp)
}

func TestParseStatsDump(t *testing.T) {
	t.Parallel()

	snap, err := newParser().Parse(sampleLog)
	require.NoError(t, err)

	count, ok := snap.CrawlerStats.Get("downloader/request_count")
	require.True(t, ok)
	assert.JSONEq(t, `13`, string(count))
	reason, ok := snap.CrawlerStats.Get("finish_reason")
	require.True(t, ok)
	assert.JSONEq(t, `"shutdown"`, string(reason))
	assert.Equal(t, "source", snap.CrawlerStats[0].Key)
}

func TestParseStatsDumpNonJSONNumbers(t *testing.T) {
	t.Parallel()

	text := `2024-03-01 10:01:02 [scrapy.statscollectors] INFO: Dumping Scrapy stats:
{'ratio': inf,
 'spread': nan,
 'delta': +5,
 'hex': 0x1p-2,
 'rate': 1.5,
 'finish_reason': 'finished'}
`
	snap, err := newParser().Parse(text)
	require.NoError(t, err)

	testCases := []struct {
		key      string
		expected string
	}{
		{"ratio", `"inf"`},
		{"spread", `"nan"`},
		{"delta", `"+5"`},
		{"hex", `"0x1p-2"`},
		{"rate", `1.5`},
	}
	for _, tc := range testCases {
		value, ok := snap.CrawlerStats.Get(tc.key)
		require.True(t, ok, tc.key)
		assert.JSONEq(t, tc.expected, string(value), tc.key)
	}

	_, err = json.Marshal(snap)
	require.NoError(t, err)
}

func TestParseRunningJobHasNoFinishReason(t *testing.T) {
	t.Parallel()

	text := "2024-03-01 10:00:00 [scrapy.utils.log] INFO: Scrapy 2.11.0 started (bot: demo)\n"
	snap, err := newParser().Parse(text)
	require.NoError(t, err)
	assert.Equal(t, jobstats.NA, snap.FinishReason)
	assert.Equal(t, jobstats.NA, snap.ShutdownReason)
	assert.Nil(t, snap.Pages)
	assert.Nil(t, snap.Items)
	assert.False(t, snap.Finished())
	assert.Empty(t, snap.CrawlerStats)
}

func TestParseEmpty(t *testing.T) {
	t.Parallel()

	snap, err := New("0.8.2").Parse("")
	require.NoError(t, err)
	assert.Empty(t, snap.FirstLogTime)
	assert.Equal(t, "0.8.2", snap.LogparserVersion)
}
