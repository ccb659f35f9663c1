// Package notify builds alert notifications and hands them to a Sender
// during configured working hours.
package notify

import (
	"fmt"
	"math"
	"time"

	"github.com/JakeFAU/crawlwatch/internal/jobstats"
)

const (
	timeLayout    = "2006-01-02 15:04:05"
	subjectTag    = "#crawlwatch"
	maxItemRunes  = 100
	triggerSuffix = " triggered!!!"
)

// metricKeys name the tracked counters in content order.
var metricKeys = [jobstats.NumMetrics]string{
	"log_critical_count",
	"log_error_count",
	"log_warning_count",
	"log_redirect_count",
	"log_retry_count",
	"log_ignore_count",
	"crawled_pages",
	"scraped_items",
}

// Links point back at the job's stats view and its stop endpoint.
type Links struct {
	Stats string
	Stop  string
}

// Notice is everything needed to render one alert.
type Notice struct {
	Flag           string
	Key            jobstats.JobKey
	Snapshot       jobstats.Snapshot
	Previous       jobstats.Counts
	Current        jobstats.Counts
	Delta          jobstats.Counts
	NewlyTriggered [jobstats.NumCategories]bool
	Links          Links
	Now            time.Time
}

// BuildContent renders the ordered notification body.
func BuildContent(n Notice) jobstats.Content {
	snap := n.Snapshot
	var c jobstats.Content
	c.Add("node", n.Key.Node)
	c.Add("project", n.Key.Project)
	c.Add("spider", n.Key.Spider)
	c.Add("job", n.Key.Job)
	c.Add("first_log_time", snap.FirstLogTime)
	c.Add("latest_log_time", snap.LatestLogTime)
	c.Add("runtime", snap.Runtime)
	c.Add("shutdown_reason", snap.ShutdownReason)
	c.Add("finish_reason", snap.FinishReason)
	c.Add("url_stats", n.Links.Stats)

	for i, key := range metricKeys {
		var value any = n.Current[i]
		if n.Delta[i] != 0 {
			value = fmt.Sprintf("%d + %d", n.Previous[i], n.Delta[i])
		}
		switch {
		case i == jobstats.PagesIndex && snap.Pages == nil:
			value = jobstats.NA
		case i == jobstats.ItemsIndex && snap.Items == nil:
			value = jobstats.NA
		case i < jobstats.NumCategories && n.NewlyTriggered[i]:
			value = fmt.Sprint(value) + triggerSuffix
		}
		c.Add(key, value)
	}

	c.Add("url_stop", n.Links.Stop)
	now := float64(n.Now.UnixNano()) / float64(time.Second)
	c.Add("latest_crawl", age(now, snap.LatestCrawlTimestamp))
	c.Add("latest_scrape", age(now, snap.LatestScrapeTimestamp))
	c.Add("latest_log", age(now, snap.LatestLogTimestamp))
	c.Add("current_time", n.Now.Format(timeLayout))
	c.Add("logparser_version", snap.LogparserVersion)
	c.Add("latest_item", orNA(snap.LatestMatches.LatestItem))
	c.Add("crawler_stats", snap.CrawlerStats)
	c.Add("crawler_engine", snap.CrawlerEngine)
	return c
}

// Subject renders "<flag> [<pages>p, <items>i] <job key> <latest item> #crawlwatch".
func Subject(n Notice) string {
	item := n.Snapshot.LatestMatches.LatestItem
	if runes := []rune(item); len(runes) > maxItemRunes {
		item = string(runes[:maxItemRunes])
	}
	return fmt.Sprintf("%s [%sp, %si] %s %s %s",
		n.Flag,
		optional(n.Snapshot.Pages),
		optional(n.Snapshot.Items),
		n.Key.String(),
		orNA(item),
		subjectTag,
	)
}

func age(now, ts float64) string {
	if ts == 0 {
		return jobstats.NA
	}
	return fmt.Sprintf("%d secs ago", int64(math.Trunc(now-ts)))
}

func optional(v *int) string {
	if v == nil {
		return jobstats.NA
	}
	return fmt.Sprint(*v)
}

func orNA(s string) string {
	if s == "" {
		return jobstats.NA
	}
	return s
}
