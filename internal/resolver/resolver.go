// Package resolver obtains the most authoritative stats snapshot for a job by
// walking an ordered chain of progressively more expensive sources.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/jobstats"
	"github.com/JakeFAU/crawlwatch/internal/metrics"
)

// DefaultLogExtensions are tried in order when a raw log is fetched.
var DefaultLogExtensions = []string{".log", ".log.gz", ".txt"}

var (
	// ErrExhausted is matched by every *ExhaustedError.
	ErrExhausted = errors.New("all stats sources exhausted")
	// ErrVersionMismatch marks a precomputed snapshot produced by another LogParser version.
	ErrVersionMismatch = errors.New("logparser version mismatch")
)

// ExhaustedError reports the last raw-log attempt when no source produced data.
type ExhaustedError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

// Unwrap lets errors.Is match ErrExhausted.
func (e *ExhaustedError) Unwrap() error {
	return ErrExhausted
}

// Mode selects what the caller wants resolved.
type Mode int

const (
	// ModeStats prefers cheap precomputed stats and falls back to the backup.
	ModeStats Mode = iota
	// ModeRealtime always parses the raw log.
	ModeRealtime
	// ModeText returns the raw log text only.
	ModeText
)

func (m Mode) String() string {
	switch m {
	case ModeStats:
		return "stats"
	case ModeRealtime:
		return "realtime"
	case ModeText:
		return "text"
	default:
		return "unknown"
	}
}

// Node describes the job-execution node hosting a job.
type Node struct {
	Address string
	// Local reports that the node's logs directory is readable from this host.
	Local bool
}

// Request names the job to resolve.
type Request struct {
	Node    Node
	Project string
	Spider  string
	Job     string
	Mode    Mode
	// WithExt means Job carries a file extension, e.g. "a.log".
	WithExt bool
}

// Key returns the job key of the request.
func (r Request) Key() jobstats.JobKey {
	return jobstats.JobKey{Node: r.Node.Address, Project: r.Project, Spider: r.Spider, Job: r.Job}
}

// NoticeLevel grades an advisory notice.
type NoticeLevel string

// Notice levels.
const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
)

// Notice is an advisory message surfaced to the caller alongside a result.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
}

// Result is the outcome of a resolution.
type Result struct {
	Snapshot   jobstats.Snapshot
	Text       string
	Provenance jobstats.Provenance
	// URL is the raw log URL, including the extension that served it.
	URL string
	// Trusted reports that the snapshot came from a precomputed source with a matching version.
	Trusted bool
	Notices []Notice
}

// Config holds the resolver settings.
type Config struct {
	// LogsDir is the node's logs directory; empty disables local reads.
	LogsDir       string
	ParserVersion string
	LogExtensions []string
	BackupEnabled bool
}

// Resolver walks the fallback chain for a job.
type Resolver struct {
	cfg       Config
	transport jobstats.Transport
	parser    jobstats.LogParser
	backup    jobstats.BackupStore
	logger    *zap.Logger
}

// New builds a Resolver. backup may be nil, which disables backup reads and writes.
func New(
	cfg Config,
	transport jobstats.Transport,
	parser jobstats.LogParser,
	backup jobstats.BackupStore,
	logger *zap.Logger,
) (*Resolver, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if parser == nil {
		return nil, errors.New("log parser is required")
	}
	if cfg.ParserVersion == "" {
		return nil, errors.New("parser version is required")
	}
	if len(cfg.LogExtensions) == 0 {
		cfg.LogExtensions = DefaultLogExtensions
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		cfg:       cfg,
		transport: transport,
		parser:    parser,
		backup:    backup,
		logger:    logger,
	}, nil
}

// resolution carries the state of one walk through the chain.
type resolution struct {
	req        Request
	key        jobstats.JobKey
	backupKey  jobstats.JobKey
	extensions []string
	baseURL    string
	logPath    string
	jsonPath   string
	jsonURL    string

	snapshot   jobstats.Snapshot
	provenance jobstats.Provenance
	trusted    bool
	text       string
	statusCode int
	url        string
	notices    []Notice
}

func (s *resolution) notify(level NoticeLevel, format string, args ...any) {
	s.notices = append(s.notices, Notice{Level: level, Message: fmt.Sprintf(format, args...)})
}

// Resolve returns the best available snapshot for the request. When every
// source fails it returns an *ExhaustedError together with the notices gathered.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Result, error) {
	s := r.newResolution(req)
	log := r.logger.With(zap.String("job_key", s.key.String()), zap.Stringer("mode", req.Mode))

	if req.Mode == ModeStats {
		if req.Node.Local && r.cfg.LogsDir != "" {
			r.readLocalStats(s, log)
		}
		if !s.trusted {
			r.requestStats(ctx, s, log)
		}
	}

	if s.trusted {
		s.url = s.baseURL + s.extensions[0]
	} else {
		if req.Node.Local && r.cfg.LogsDir != "" {
			r.readLocalLog(s, log)
		}
		if s.text == "" {
			r.requestLog(ctx, s, log)
			if s.statusCode != 200 {
				if req.Mode == ModeStats {
					r.loadBackup(ctx, s, log)
				}
				if !s.trusted {
					metrics.ObserveResolutionFailure("exhausted")
					return Result{URL: s.url, Notices: s.notices}, &ExhaustedError{
						URL:        s.url,
						StatusCode: s.statusCode,
						Body:       s.text,
					}
				}
			}
		} else {
			s.url = s.baseURL + s.extensions[0]
		}
	}

	if req.Mode == ModeText {
		metrics.ObserveResolution("")
		return Result{Text: s.text, URL: s.url, Notices: s.notices}, nil
	}

	if !s.trusted {
		log.Warn("parsing the whole log")
		snap, err := r.parser.Parse(s.text)
		if err != nil {
			metrics.ObserveResolutionFailure("parse")
			return Result{URL: s.url, Notices: s.notices}, fmt.Errorf("parse log %s: %w", s.url, err)
		}
		snap.CrawlerEngine = nil
		s.snapshot = snap
		s.provenance = jobstats.ProvenanceFullLogParse
	}
	s.snapshot.CrawlerStats = s.snapshot.CrawlerStats.Sorted()
	s.snapshot.CrawlerEngine = s.snapshot.CrawlerEngine.Sorted()
	s.snapshot.Provenance = s.provenance

	if r.cfg.BackupEnabled && r.backup != nil && s.provenance != jobstats.ProvenanceBackup {
		r.saveBackup(ctx, s, log)
	}

	metrics.ObserveResolution(string(s.provenance))
	return Result{
		Snapshot:   s.snapshot,
		Text:       s.text,
		Provenance: s.provenance,
		URL:        s.url,
		Trusted:    s.trusted,
		Notices:    s.notices,
	}, nil
}

func (r *Resolver) newResolution(req Request) *resolution {
	extensions := r.cfg.LogExtensions
	jobSansExt := req.Job
	if req.WithExt {
		extensions = []string{""}
		jobSansExt = jobstats.StripJobExt(req.Job)
	}
	base := fmt.Sprintf("http://%s/logs/%s/%s/", req.Node.Address, req.Project, req.Spider)
	s := &resolution{
		req:        req,
		key:        req.Key(),
		backupKey:  req.Key().WithJob(jobSansExt),
		extensions: extensions,
		baseURL:    base + req.Job,
		jsonURL:    base + jobSansExt + ".json",
	}
	if r.cfg.LogsDir != "" {
		dir := filepath.Join(r.cfg.LogsDir, req.Project, req.Spider)
		s.logPath = filepath.Join(dir, req.Job)
		s.jsonPath = filepath.Join(dir, jobSansExt+".json")
	}
	return s
}

// checkVersion decodes a precomputed snapshot and verifies its parser version.
func (r *Resolver) checkVersion(data []byte) (jobstats.Snapshot, error) {
	var snap jobstats.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return jobstats.Snapshot{}, fmt.Errorf("decode stats: %w", err)
	}
	return snap, r.matchVersion(snap)
}

func (r *Resolver) matchVersion(snap jobstats.Snapshot) error {
	if snap.LogparserVersion != r.cfg.ParserVersion {
		return fmt.Errorf("%w: got %q, want %q", ErrVersionMismatch, snap.LogparserVersion, r.cfg.ParserVersion)
	}
	return nil
}

func (r *Resolver) readLocalStats(s *resolution, log *zap.Logger) {
	log.Debug("reading local stats", zap.String("path", s.jsonPath))
	data, err := os.ReadFile(s.jsonPath)
	if err != nil {
		log.Error("failed to read local stats", zap.String("path", s.jsonPath), zap.Error(err))
		return
	}
	snap, err := r.checkVersion(data)
	if errors.Is(err, ErrVersionMismatch) {
		log.Warn("local stats version mismatch", zap.Error(err))
		s.notify(NoticeWarning, "Mismatching logparser_version %s in local stats", snap.LogparserVersion)
		return
	}
	if err != nil {
		log.Error("failed to decode local stats", zap.String("path", s.jsonPath), zap.Error(err))
		return
	}
	s.snapshot = snap
	s.provenance = jobstats.ProvenanceLocalParsed
	s.trusted = true
	s.notify(NoticeInfo, "Using local stats: LogParser v%s, last updated at %s, %s",
		snap.LogparserVersion, snap.LastUpdateTime, filepath.ToSlash(s.jsonPath))
}

func (r *Resolver) requestStats(ctx context.Context, s *resolution, log *zap.Logger) {
	log.Debug("requesting stats", zap.String("url", s.jsonURL))
	resp := r.fetch(ctx, s.jsonURL, true)
	if !resp.OK() {
		log.Error("failed to request stats", zap.String("url", s.jsonURL), zap.Int("status_code", resp.StatusCode))
		if s.req.Node.Local {
			s.notify(NoticeInfo, "Request to %s got code %d, wait until LogParser parses the log.",
				s.jsonURL, resp.StatusCode)
		} else {
			s.notify(NoticeWarning, "Run LogParser on host %s, or wait until it parses the log (request to %s got code %d).",
				s.req.Node.Address, s.jsonURL, resp.StatusCode)
		}
		return
	}
	snap, err := r.checkVersion(resp.Body)
	if errors.Is(err, ErrVersionMismatch) {
		log.Warn("remote stats version mismatch", zap.Error(err))
		s.notify(NoticeWarning, "Update LogParser on host %s to v%s", s.req.Node.Address, r.cfg.ParserVersion)
		return
	}
	if err != nil {
		log.Error("failed to decode remote stats", zap.String("url", s.jsonURL), zap.Error(err))
		s.notify(NoticeWarning, "Invalid stats from %s", s.jsonURL)
		return
	}
	s.snapshot = snap
	s.provenance = jobstats.ProvenanceRemoteParsed
	s.trusted = true
	s.notify(NoticeInfo, "LogParser v%s, last updated at %s, %s",
		snap.LogparserVersion, snap.LastUpdateTime, s.jsonURL)
}

func (r *Resolver) readLocalLog(s *resolution, log *zap.Logger) {
	for _, ext := range s.extensions {
		path := s.logPath + ext
		if _, err := os.Stat(path); err != nil {
			continue
		}
		archived, err := isArchive(path)
		if err != nil {
			log.Error("failed to inspect local log", zap.String("path", path), zap.Error(err))
			return
		}
		if archived {
			log.Debug("skipping local archive, requesting instead", zap.String("path", path))
			return
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Error("failed to read local log", zap.String("path", path), zap.Error(err))
			return
		}
		s.text = strings.ToValidUTF8(string(data), "")
		log.Debug("using local log", zap.String("path", path))
		s.notify(NoticeInfo, "Using local logfile: %s", filepath.ToSlash(path))
		return
	}
}

func (r *Resolver) requestLog(ctx context.Context, s *resolution, log *zap.Logger) {
	for _, ext := range s.extensions {
		url := s.baseURL + ext
		resp := r.fetch(ctx, url, false)
		s.statusCode = resp.StatusCode
		s.text = strings.ToValidUTF8(string(resp.Body), "")
		if resp.OK() {
			s.url = url
			log.Debug("got log", zap.String("url", url))
			return
		}
	}
	log.Error("failed to request log", zap.String("url", s.baseURL), zap.Strings("extensions", s.extensions))
	s.notify(NoticeWarning, "Fail to request logfile from %s with extensions %v", s.baseURL, s.extensions)
	s.url = s.baseURL + s.extensions[0]
}

func (r *Resolver) loadBackup(ctx context.Context, s *resolution, log *zap.Logger) {
	if r.backup == nil {
		return
	}
	snap, err := r.backup.Load(ctx, s.backupKey)
	if err != nil {
		if errors.Is(err, jobstats.ErrNotFound) {
			log.Debug("no backup stats", zap.Error(err))
		} else {
			log.Error("failed to load backup stats", zap.Error(err))
		}
		return
	}
	if err := r.matchVersion(snap); err != nil {
		log.Warn("backup stats version mismatch", zap.Error(err))
		s.notify(NoticeWarning, "Mismatching logparser_version %s in backup stats", snap.LogparserVersion)
		return
	}
	s.snapshot = snap
	s.provenance = jobstats.ProvenanceBackup
	s.trusted = true
	log.Info("using backup stats")
	s.notify(NoticeWarning, "Using backup stats: LogParser v%s, last updated at %s",
		snap.LogparserVersion, snap.LastUpdateTime)
}

func (r *Resolver) saveBackup(ctx context.Context, s *resolution, log *zap.Logger) {
	if err := r.backup.Save(ctx, s.backupKey, s.snapshot); err != nil {
		metrics.ObserveBackupWrite("error")
		log.Error("failed to save backup stats", zap.Error(err))
		return
	}
	metrics.ObserveBackupWrite("ok")
	log.Debug("saved backup stats")
}

// fetch normalises transport failures to status -1 with the error text as body.
func (r *Resolver) fetch(ctx context.Context, url string, asJSON bool) jobstats.Response {
	resp, err := r.transport.Fetch(ctx, url, asJSON)
	if err != nil {
		return jobstats.Response{StatusCode: -1, Body: []byte(err.Error())}
	}
	return resp
}
