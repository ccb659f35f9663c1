package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/jobstats"
	"github.com/JakeFAU/crawlwatch/internal/monitor"
	"github.com/JakeFAU/crawlwatch/internal/resolver"
)

const (
	statsTimeout = 60 * time.Second
	stopTimeout  = 15 * time.Second
)

// StatsService answers stats views and polls.
type StatsService interface {
	Stats(ctx context.Context, req monitor.Request) (monitor.Report, error)
	Nodes() []resolver.Node
}

// JobsHandler exposes the per-job endpoints.
type JobsHandler struct {
	svc        StatsService
	controller jobstats.JobController
	timeout    time.Duration
	logger     *zap.Logger
}

// NewJobsHandler wires the service, the job controller used by the stop
// endpoint, and the logger.
func NewJobsHandler(svc StatsService, controller jobstats.JobController, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{
		svc:        svc,
		controller: controller,
		timeout:    statsTimeout,
		logger:     logger,
	}
}

type nodeView struct {
	Index   int    `json:"index"`
	Address string `json:"address"`
	Local   bool   `json:"local"`
}

// ListNodes handles GET /v1/nodes.
func (h *JobsHandler) ListNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := h.svc.Nodes()
	out := make([]nodeView, 0, len(nodes))
	for i, n := range nodes {
		out = append(out, nodeView{Index: i + 1, Address: n.Address, Local: n.Local})
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": out})
}

// Stats handles GET /v1/nodes/{node}/{view}/{project}/{spider}/{job}. Query
// flags: realtime, with_ext and job_finished.
func (h *JobsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, false)
}

// Poll handles POST on the stats route. It behaves like Stats and also runs
// the alert engine.
func (h *JobsHandler) Poll(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, true)
}

func (h *JobsHandler) serve(w http.ResponseWriter, r *http.Request, poll bool) {
	node, err := strconv.Atoi(chi.URLParam(r, "node"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "node must be a 1-based index")
		return
	}
	q := r.URL.Query()
	req := monitor.Request{
		Node:     node,
		View:     chi.URLParam(r, "view"),
		Project:  chi.URLParam(r, "project"),
		Spider:   chi.URLParam(r, "spider"),
		Job:      chi.URLParam(r, "job"),
		Realtime: queryFlag(q.Get("realtime")),
		WithExt:  queryFlag(q.Get("with_ext")),
		Finished: queryFlag(q.Get("job_finished")),
		Poll:     poll,
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report, err := h.svc.Stats(ctx, req)
	if err != nil {
		h.writeStatsError(w, report, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type exhaustedResponse struct {
	Error      string            `json:"error"`
	URL        string            `json:"url"`
	StatusCode int               `json:"status_code"`
	Text       string            `json:"text"`
	Notices    []resolver.Notice `json:"notices,omitempty"`
}

func (h *JobsHandler) writeStatsError(w http.ResponseWriter, report monitor.Report, err error) {
	var exhausted *resolver.ExhaustedError
	switch {
	case errors.Is(err, monitor.ErrUnknownNode):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, monitor.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &exhausted):
		writeJSON(w, http.StatusBadGateway, exhaustedResponse{
			Error:      "stats unavailable",
			URL:        exhausted.URL,
			StatusCode: exhausted.StatusCode,
			Text:       exhausted.Body,
			Notices:    report.Notices,
		})
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "stats request timed out")
	default:
		h.logger.Error("stats request failed", zap.String("job_key", report.JobKey), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to resolve stats")
	}
}

// Stop handles POST /v1/nodes/{node}/stop/{project}/{job}; ?force=true sends
// a force-stop.
func (h *JobsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if h.controller == nil {
		writeError(w, http.StatusServiceUnavailable, "job control unavailable")
		return
	}
	idx, err := strconv.Atoi(chi.URLParam(r, "node"))
	nodes := h.svc.Nodes()
	if err != nil || idx < 1 || idx > len(nodes) {
		writeError(w, http.StatusNotFound, "unknown node")
		return
	}
	action := jobstats.ActionStop
	if queryFlag(r.URL.Query().Get("force")) {
		action = jobstats.ActionForceStop
	}
	key := jobstats.JobKey{
		Node:    nodes[idx-1].Address,
		Project: chi.URLParam(r, "project"),
		Job:     chi.URLParam(r, "job"),
	}

	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()
	if err := h.controller.Invoke(ctx, action, key); err != nil {
		h.logger.Warn("stop request failed", zap.String("job_key", key.String()), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "action": string(action), "job": key.Job})
}

func queryFlag(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
