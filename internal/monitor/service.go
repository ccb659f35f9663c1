// Package monitor answers job stats requests: it resolves the snapshot, works
// out whether the view should keep refreshing, and on polls runs the alert engine.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/alert"
	"github.com/JakeFAU/crawlwatch/internal/jobstats"
	"github.com/JakeFAU/crawlwatch/internal/notify"
	"github.com/JakeFAU/crawlwatch/internal/resolver"
)

// Errors surfaced to callers.
var (
	ErrUnknownNode    = errors.New("unknown node")
	ErrInvalidRequest = errors.New("invalid request")
)

// View names the two request options.
const (
	ViewStats = "stats"
	ViewText  = "utf8"
)

// StatsResolver resolves one job.
type StatsResolver interface {
	Resolve(ctx context.Context, req resolver.Request) (resolver.Result, error)
}

// Evaluator runs the alert rules for one job.
type Evaluator interface {
	Evaluate(ctx context.Context, in alert.Input) (alert.Evaluation, error)
}

// FinishedSet reports recently finished jobs.
type FinishedSet interface {
	Contains(key jobstats.JobKey) bool
}

// Request is one stats view or poll.
type Request struct {
	// Node is the 1-based index into the configured nodes.
	Node     int
	View     string
	Project  string
	Spider   string
	Job      string
	Realtime bool
	WithExt  bool
	Finished bool
	// Poll marks requests from the job poller; only polls evaluate alerts.
	Poll bool
}

// Links are relative paths for navigating between views.
type Links struct {
	Source   string `json:"source,omitempty"`
	Opposite string `json:"opposite,omitempty"`
	Jump     string `json:"jump,omitempty"`
}

// AlertReport summarises the evaluation of a poll.
type AlertReport struct {
	Flag      string          `json:"flag,omitempty"`
	Action    jobstats.Action `json:"action,omitempty"`
	Delivered bool            `json:"delivered"`
	Current   jobstats.Counts `json:"current"`
	Delta     jobstats.Counts `json:"delta"`
}

// Report is the answer to a Request.
type Report struct {
	Node       int                 `json:"node"`
	JobKey     string              `json:"job_key"`
	View       string              `json:"view"`
	Provenance jobstats.Provenance `json:"provenance,omitempty"`
	Trusted    bool                `json:"trusted"`
	Refresh    bool                `json:"refresh"`
	Links      Links               `json:"links"`
	Notices    []resolver.Notice   `json:"notices,omitempty"`
	Stats      *jobstats.Snapshot  `json:"stats,omitempty"`
	Text       string              `json:"text,omitempty"`
	Alert      *AlertReport        `json:"alert,omitempty"`
}

// Config holds the service settings.
type Config struct {
	Nodes []resolver.Node
	// PublicURL prefixes the links placed in notifications.
	PublicURL string
}

// Service handles stats requests.
type Service struct {
	cfg      Config
	resolver StatsResolver
	engine   Evaluator
	finished FinishedSet
	logger   *zap.Logger
}

// New builds a Service. engine may be nil, which disables alerting.
func New(cfg Config, res StatsResolver, engine Evaluator, finished FinishedSet, logger *zap.Logger) (*Service, error) {
	if len(cfg.Nodes) == 0 {
		return nil, errors.New("at least one node is required")
	}
	if res == nil {
		return nil, errors.New("resolver is required")
	}
	if finished == nil {
		return nil, errors.New("finished set is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.PublicURL = strings.TrimSuffix(cfg.PublicURL, "/")
	return &Service{cfg: cfg, resolver: res, engine: engine, finished: finished, logger: logger}, nil
}

// Nodes returns the configured nodes.
func (s *Service) Nodes() []resolver.Node {
	return s.cfg.Nodes
}

// Stats resolves the job and, for polls, evaluates alerts. Resolution failures
// are returned as errors wrapping resolver.ErrExhausted; the partial report
// still carries the notices gathered.
func (s *Service) Stats(ctx context.Context, req Request) (Report, error) {
	if req.Node < 1 || req.Node > len(s.cfg.Nodes) {
		return Report{}, fmt.Errorf("%w: %d", ErrUnknownNode, req.Node)
	}
	if req.Project == "" || req.Spider == "" || req.Job == "" {
		return Report{}, fmt.Errorf("%w: project, spider and job are required", ErrInvalidRequest)
	}
	mode := resolver.ModeStats
	switch req.View {
	case ViewStats:
		if req.Realtime {
			mode = resolver.ModeRealtime
		}
	case ViewText:
		mode = resolver.ModeText
	default:
		return Report{}, fmt.Errorf("%w: unknown view %q", ErrInvalidRequest, req.View)
	}

	node := s.cfg.Nodes[req.Node-1]
	rreq := resolver.Request{
		Node:    node,
		Project: req.Project,
		Spider:  req.Spider,
		Job:     req.Job,
		Mode:    mode,
		WithExt: req.WithExt,
	}
	key := rreq.Key()
	report := Report{Node: req.Node, JobKey: key.String(), View: req.View}

	ctx, span := otel.Tracer("crawlwatch/monitor").Start(ctx, "monitor.Stats")
	defer span.End()
	span.SetAttributes(
		attribute.String("job_key", report.JobKey),
		attribute.String("view", req.View),
		attribute.Bool("poll", req.Poll),
	)

	res, err := s.resolver.Resolve(ctx, rreq)
	report.Notices = res.Notices
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("stats unavailable", zap.String("job_key", report.JobKey), zap.Error(err))
		return report, err
	}

	finished := req.Finished || s.finished.Contains(key)
	if mode == resolver.ModeText {
		report.Text = res.Text
		report.Refresh = !finished
	} else {
		snap := res.Snapshot
		report.Stats = &snap
		report.Provenance = res.Provenance
		report.Trusted = res.Trusted
		report.Refresh = snap.FinishReason == jobstats.NA && !finished
	}
	report.Links = s.links(req, res, report.Refresh)

	if req.Poll && s.engine != nil && mode != resolver.ModeText {
		ev, err := s.engine.Evaluate(ctx, alert.Input{
			Key:      key,
			Snapshot: res.Snapshot,
			Finished: req.Finished,
			Links: notify.Links{
				Stats: s.cfg.PublicURL + s.statsPath(req),
				Stop:  s.cfg.PublicURL + StopPath(req.Node, req.Project, req.Job),
			},
		})
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return report, fmt.Errorf("evaluate alerts: %w", err)
		}
		span.SetAttributes(attribute.String("alert.flag", ev.Flag))
		report.Alert = &AlertReport{
			Flag:      ev.Flag,
			Action:    ev.Action,
			Delivered: ev.Delivered,
			Current:   ev.Current,
			Delta:     ev.Delta,
		}
	}
	return report, nil
}

func (s *Service) links(req Request, res resolver.Result, refresh bool) Links {
	if req.WithExt && strings.HasSuffix(req.Job, ".json") {
		return Links{}
	}
	links := Links{Source: res.URL}
	opposite := req
	opposite.Realtime = false
	if req.View == ViewStats {
		opposite.View = ViewText
	} else {
		opposite.View = ViewStats
	}
	links.Opposite = ViewPath(opposite)
	// Offer the opposite stats mode while the job runs, unless a precomputed
	// snapshot was wanted and not available.
	if req.View == ViewStats && refresh && (req.Realtime || res.Trusted) {
		jump := req
		jump.Realtime = !req.Realtime
		jump.Finished = false
		links.Jump = ViewPath(jump)
	}
	return links
}

func (s *Service) statsPath(req Request) string {
	r := req
	r.View = ViewStats
	r.Realtime = false
	r.Finished = false
	return ViewPath(r)
}

// ViewPath renders the API path of a stats or text view.
func ViewPath(req Request) string {
	p := fmt.Sprintf("/v1/nodes/%d/%s/%s/%s/%s", req.Node, req.View,
		url.PathEscape(req.Project), url.PathEscape(req.Spider), url.PathEscape(req.Job))
	q := url.Values{}
	if req.Realtime {
		q.Set("realtime", "true")
	}
	if req.WithExt {
		q.Set("with_ext", "true")
	}
	if req.Finished {
		q.Set("job_finished", "true")
	}
	if len(q) > 0 {
		p += "?" + q.Encode()
	}
	return p
}

// StopPath renders the API path that stops a job.
func StopPath(node int, project, job string) string {
	return fmt.Sprintf("/v1/nodes/%d/stop/%s/%s", node, url.PathEscape(project), url.PathEscape(job))
}
