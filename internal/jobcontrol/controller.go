// Package jobcontrol stops and force-stops jobs on their execution nodes.
package jobcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/dispatcher"
	"github.com/JakeFAU/crawlwatch/internal/jobstats"
	"github.com/JakeFAU/crawlwatch/internal/metrics"
	"github.com/JakeFAU/crawlwatch/internal/queue/memory"
)

// ErrUnknownAction is returned for actions other than stop and forcestop.
var ErrUnknownAction = errors.New("unknown job-control action")

// Poster sends a form-encoded POST.
type Poster interface {
	PostForm(ctx context.Context, url string, form map[string]string) (jobstats.Response, error)
}

// Controller cancels jobs through the node's cancel.json endpoint.
type Controller struct {
	poster Poster
	logger *zap.Logger
}

// New builds a Controller.
func New(poster Poster, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{poster: poster, logger: logger}
}

type cancelReply struct {
	Status    string `json:"status"`
	PrevState string `json:"prevstate"`
	Message   string `json:"message"`
}

// Invoke sends a stop, or for forcestop a second cancel, which makes the
// crawler shut down without waiting for in-flight requests.
func (c *Controller) Invoke(ctx context.Context, action jobstats.Action, key jobstats.JobKey) error {
	times := 0
	switch action {
	case jobstats.ActionStop:
		times = 1
	case jobstats.ActionForceStop:
		times = 2
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	url := fmt.Sprintf("http://%s/cancel.json", key.Node)
	form := map[string]string{"project": key.Project, "job": key.Job}
	for i := 0; i < times; i++ {
		if err := c.cancel(ctx, url, form); err != nil {
			metrics.ObserveControlAction(string(action), "error")
			return fmt.Errorf("%s %s: %w", action, key, err)
		}
	}
	metrics.ObserveControlAction(string(action), "ok")
	c.logger.Info("job control action sent", zap.String("action", string(action)), zap.String("job_key", key.String()))
	return nil
}

func (c *Controller) cancel(ctx context.Context, url string, form map[string]string) error {
	resp, err := c.poster.PostForm(ctx, url, form)
	if err != nil {
		return fmt.Errorf("post cancel: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("post cancel: status %d", resp.StatusCode)
	}
	var reply cancelReply
	if err := json.Unmarshal(resp.Body, &reply); err != nil {
		return fmt.Errorf("decode cancel reply: %w", err)
	}
	if reply.Status != "ok" {
		return fmt.Errorf("cancel rejected: %s", reply.Message)
	}
	return nil
}

type request struct {
	action jobstats.Action
	key    jobstats.JobKey
}

// Async runs a JobController on a worker pool so callers never wait on a node.
type Async struct {
	next   jobstats.JobController
	queue  *memory.Queue[request]
	pool   *dispatcher.Dispatcher[request]
	logger *zap.Logger
}

// NewAsync wraps next. Call Run to start processing.
func NewAsync(next jobstats.JobController, depth, workers int, logger *zap.Logger) *Async {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Async{
		next:   next,
		queue:  memory.NewQueue[request](depth),
		logger: logger,
	}
	a.pool = dispatcher.New[request](a.queue, a.handle, workers, logger)
	return a
}

// Invoke submits the action without blocking. A full queue drops it.
func (a *Async) Invoke(_ context.Context, action jobstats.Action, key jobstats.JobKey) error {
	if err := a.pool.Submit(request{action: action, key: key}); err != nil {
		metrics.ObserveControlAction(string(action), "dropped")
		a.logger.Warn("job control action dropped",
			zap.String("action", string(action)), zap.String("job_key", key.String()), zap.Error(err))
		return fmt.Errorf("submit %s: %w", action, err)
	}
	return nil
}

// Run processes queued actions until ctx ends or Close drains the queue.
func (a *Async) Run(ctx context.Context) {
	a.pool.Run(ctx)
}

// Close stops accepting actions.
func (a *Async) Close() {
	a.queue.Close()
}

func (a *Async) handle(ctx context.Context, req request) {
	if err := a.next.Invoke(ctx, req.action, req.key); err != nil {
		a.logger.Error("job control action failed",
			zap.String("action", string(req.action)), zap.String("job_key", req.key.String()), zap.Error(err))
	}
}
