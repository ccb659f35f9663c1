// Package jobstats defines the job identity, stats snapshot, and collaborator contracts
// shared by the resolver, alert engine, and notification subsystems.
package jobstats

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// NA is the sentinel rendered for values that are not available.
const NA = "N/A"

// ErrNotFound is returned by stores when no snapshot exists for a job.
var ErrNotFound = errors.New("snapshot not found")

// JobKey identifies one crawl job run on one node.
type JobKey struct {
	Node    string `json:"node"`
	Project string `json:"project"`
	Spider  string `json:"spider"`
	Job     string `json:"job"`
}

// String renders the key as /node/project/spider/job.
func (k JobKey) String() string {
	return fmt.Sprintf("/%s/%s/%s/%s", k.Node, k.Project, k.Spider, k.Job)
}

// WithJob returns a copy of the key with a different job name.
func (k JobKey) WithJob(job string) JobKey {
	k.Job = job
	return k
}

// StripJobExt removes a trailing file extension from a job name. The two-part
// ".tar.gz" suffix is removed as a unit.
func StripJobExt(job string) string {
	if strings.HasSuffix(job, ".tar.gz") {
		return strings.TrimSuffix(job, ".tar.gz")
	}
	idx := strings.LastIndex(job, ".")
	if idx <= 0 || strings.ContainsAny(job[idx:], "/\\") {
		return job
	}
	return job[:idx]
}

// Provenance records which fallback step produced a snapshot.
type Provenance string

// Provenance values.
const (
	ProvenanceLocalParsed  Provenance = "local-parsed"
	ProvenanceRemoteParsed Provenance = "remote-parsed"
	ProvenanceBackup       Provenance = "backup"
	ProvenanceFullLogParse Provenance = "full-log-parse"
)

// LogCategory holds the count and sample lines of one log severity bucket.
type LogCategory struct {
	Count   int      `json:"count"`
	Details []string `json:"details,omitempty"`
}

// LatestMatches carries the most recent notable log lines.
type LatestMatches struct {
	ResumingCrawl   string `json:"resuming_crawl,omitempty"`
	LatestOffsite   string `json:"latest_offsite,omitempty"`
	LatestDuplicate string `json:"latest_duplicate,omitempty"`
	LatestCrawl     string `json:"latest_crawl,omitempty"`
	LatestScrape    string `json:"latest_scrape,omitempty"`
	LatestItem      string `json:"latest_item"`
	LatestStat      string `json:"latest_stat,omitempty"`
}

// Snapshot is the parsed statistics of one job at one point in time. JSON field
// names follow the LogParser output so precomputed files decode directly.
type Snapshot struct {
	Provenance            Provenance             `json:"provenance,omitempty"`
	Source                string                 `json:"source"`
	LastUpdateTime        string                 `json:"last_update_time"`
	LastUpdateTimestamp   float64                `json:"last_update_timestamp"`
	FirstLogTime          string                 `json:"first_log_time"`
	LatestLogTime         string                 `json:"latest_log_time"`
	Runtime               string                 `json:"runtime"`
	ShutdownReason        string                 `json:"shutdown_reason"`
	FinishReason          string                 `json:"finish_reason"`
	LogCategories         map[string]LogCategory `json:"log_categories"`
	Pages                 *int                   `json:"pages"`
	Items                 *int                   `json:"items"`
	LatestCrawlTimestamp  float64                `json:"latest_crawl_timestamp"`
	LatestScrapeTimestamp float64                `json:"latest_scrape_timestamp"`
	LatestLogTimestamp    float64                `json:"latest_log_timestamp"`
	LatestMatches         LatestMatches          `json:"latest_matches"`
	CrawlerStats          OrderedMap             `json:"crawler_stats"`
	CrawlerEngine         OrderedMap             `json:"crawler_engine"`
	Datas                 json.RawMessage        `json:"datas,omitempty"`
	LogparserVersion      string                 `json:"logparser_version"`
}

// CategoryCount returns the count recorded for a log category, zero when absent.
func (s *Snapshot) CategoryCount(c Category) int {
	if s == nil || s.LogCategories == nil {
		return 0
	}
	return s.LogCategories[c.LogKey()].Count
}

// Finished reports whether the snapshot carries a finish reason.
func (s *Snapshot) Finished() bool {
	return s != nil && s.FinishReason != "" && s.FinishReason != NA
}

// IntPtr is a helper for building snapshots with optional counters.
func IntPtr(v int) *int {
	return &v
}
