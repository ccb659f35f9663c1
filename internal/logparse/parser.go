// Package logparse extracts a stats snapshot from raw Scrapy log text.
package logparse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/crawlwatch/internal/jobstats"
)

const (
	timeLayout = "2006-01-02 15:04:05"
	// maxDetails bounds the sample lines kept per log category.
	maxDetails = 10
)

var (
	lineRe     = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})(?:,\d+)? \[([^\]]+)\] (CRITICAL|ERROR|WARNING|INFO|DEBUG): (.*)$`)
	progressRe = regexp.MustCompile(`Crawled (\d+) pages \(at \d+ pages/min\), scraped (\d+) items`)
	closedRe   = regexp.MustCompile(`Spider closed \((.+)\)`)
	signalRe   = regexp.MustCompile(`Received (SIG\w+)`)
	statRe     = regexp.MustCompile(`^\s*\{?'([^']+)':\s*(.*?),?\}?$`)
)

// Parser parses Scrapy logs. It never performs I/O.
type Parser struct {
	// Version is stamped into the snapshot's logparser_version.
	Version string
	// Location interprets log timestamps; nil means time.Local.
	Location *time.Location
	// Now stamps last_update_time; nil means time.Now.
	Now func() time.Time
}

// New returns a Parser stamping the given version.
func New(version string) *Parser {
	return &Parser{Version: version}
}

type entry struct {
	ts      time.Time
	raw     string
	level   string
	message string
}

// Parse builds a snapshot from log text.
func (p *Parser) Parse(text string) (jobstats.Snapshot, error) {
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	snap := jobstats.Snapshot{
		Source:           "log",
		ShutdownReason:   jobstats.NA,
		FinishReason:     jobstats.NA,
		LogCategories:    make(map[string]jobstats.LogCategory, jobstats.NumCategories),
		LogparserVersion: p.Version,
	}
	for _, c := range jobstats.Categories {
		snap.LogCategories[c.LogKey()] = jobstats.LogCategory{}
	}

	var (
		first, last *entry
		inStats     bool
		expectItem  bool
		statsPairs  jobstats.OrderedMap
	)
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		m := lineRe.FindStringSubmatch(line)
		if m == nil {
			if expectItem && strings.TrimSpace(line) != "" {
				snap.LatestMatches.LatestItem = strings.TrimSpace(line)
				expectItem = false
			}
			if inStats {
				if pair, ok := parseStatLine(line); ok {
					statsPairs = append(statsPairs, pair)
				}
				if strings.HasSuffix(strings.TrimSpace(line), "}") {
					inStats = false
				}
			}
			continue
		}
		expectItem = false
		inStats = false

		ts, err := time.ParseInLocation(timeLayout, m[1], loc)
		if err != nil {
			return jobstats.Snapshot{}, fmt.Errorf("parse log time %q: %w", m[1], err)
		}
		e := &entry{ts: ts, raw: line, level: m[3], message: m[4]}
		if first == nil {
			first = e
		}
		last = e
		p.classify(&snap, e)

		switch {
		case strings.HasPrefix(e.message, "Scraped from <"):
			snap.LatestMatches.LatestScrape = e.raw
			snap.LatestScrapeTimestamp = float64(e.ts.Unix())
			expectItem = true
		case strings.HasPrefix(e.message, "Crawled ("):
			snap.LatestMatches.LatestCrawl = e.raw
			snap.LatestCrawlTimestamp = float64(e.ts.Unix())
		case strings.HasPrefix(e.message, "Dumping Scrapy stats"):
			inStats = true
			statsPairs = nil
		}
		if pm := progressRe.FindStringSubmatch(e.message); pm != nil {
			pages, _ := strconv.Atoi(pm[1])
			items, _ := strconv.Atoi(pm[2])
			snap.Pages = jobstats.IntPtr(pages)
			snap.Items = jobstats.IntPtr(items)
			snap.LatestMatches.LatestStat = e.raw
		}
		if cm := closedRe.FindStringSubmatch(e.message); cm != nil {
			snap.FinishReason = cm[1]
		}
		if sm := signalRe.FindStringSubmatch(e.message); sm != nil {
			snap.ShutdownReason = "Received " + sm[1]
		}
	}
	if err := scanner.Err(); err != nil {
		return jobstats.Snapshot{}, fmt.Errorf("scan log: %w", err)
	}

	if first != nil {
		snap.FirstLogTime = first.ts.Format(timeLayout)
		snap.LatestLogTime = last.ts.Format(timeLayout)
		snap.LatestLogTimestamp = float64(last.ts.Unix())
		snap.Runtime = formatRuntime(last.ts.Sub(first.ts))
	}
	if v, ok := statsPairs.Get("finish_reason"); ok && snap.FinishReason == jobstats.NA {
		var reason string
		if json.Unmarshal(v, &reason) == nil {
			snap.FinishReason = reason
		}
	}
	updated := now().In(loc)
	snap.LastUpdateTime = updated.Format(timeLayout)
	snap.LastUpdateTimestamp = float64(updated.Unix())
	if len(statsPairs) > 0 {
		snap.CrawlerStats = append(jobstats.OrderedMap{
			{Key: "source", Value: json.RawMessage(`"log"`)},
			{Key: "last_update_time", Value: mustJSON(snap.LatestLogTime)},
			{Key: "last_update_timestamp", Value: mustJSON(snap.LatestLogTimestamp)},
		}, statsPairs...)
	}
	return snap, nil
}

func (p *Parser) classify(snap *jobstats.Snapshot, e *entry) {
	var cat jobstats.Category
	switch {
	case e.level == "CRITICAL":
		cat = jobstats.Critical
	case e.level == "ERROR":
		cat = jobstats.Error
	case e.level == "WARNING":
		cat = jobstats.Warning
	case strings.HasPrefix(e.message, "Redirecting ("):
		cat = jobstats.Redirect
	case strings.HasPrefix(e.message, "Retrying <"):
		cat = jobstats.Retry
	case strings.HasPrefix(e.message, "Ignoring response <"):
		cat = jobstats.Ignore
	default:
		return
	}
	lc := snap.LogCategories[cat.LogKey()]
	lc.Count++
	if len(lc.Details) < maxDetails {
		lc.Details = append(lc.Details, e.raw)
	}
	snap.LogCategories[cat.LogKey()] = lc
}

// parseStatLine converts one "'key': value," line of a Python stats dict dump.
func parseStatLine(line string) (jobstats.Pair, bool) {
	m := statRe.FindStringSubmatch(line)
	if m == nil {
		return jobstats.Pair{}, false
	}
	value := strings.TrimSpace(m[2])
	if _, err := strconv.ParseFloat(value, 64); err == nil && json.Valid([]byte(value)) {
		return jobstats.Pair{Key: m[1], Value: json.RawMessage(value)}, true
	}
	if len(value) >= 2 && value[0] == '\'' && value[len(value)-1] == '\'' {
		value = value[1 : len(value)-1]
	}
	return jobstats.Pair{Key: m[1], Value: mustJSON(value)}, true
}

func formatRuntime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d.Seconds())
	return fmt.Sprintf("%d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}
