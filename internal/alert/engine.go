// Package alert decides, each time a job's stats are polled, whether to notify
// operators and whether to stop the job. A category that crossed its threshold
// never escalates twice for the same job, and a job is stopped at most once.
package alert

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/clock/system"
	"github.com/JakeFAU/crawlwatch/internal/jobstats"
	"github.com/JakeFAU/crawlwatch/internal/metrics"
	"github.com/JakeFAU/crawlwatch/internal/notify"
)

// Fixed flags.
const (
	FlagFinished = "Finished"
	FlagRunning  = "Running"
)

const (
	suffixTrigger   = "_Trigger"
	suffixStop      = "_Stop"
	suffixForceStop = "_ForceStop"
)

// ErrInvalidKey is returned when a job key has an empty component.
var ErrInvalidKey = errors.New("invalid job key")

// TriggerPolicy configures one log category.
type TriggerPolicy struct {
	// Threshold is the count at which the category escalates; zero disables it.
	Threshold int
	Stop      bool
	ForceStop bool
}

// Config holds the engine settings.
type Config struct {
	// Triggers is indexed by jobstats.Category.
	Triggers [jobstats.NumCategories]TriggerPolicy
	// OnJobFinished enables the Finished notification.
	OnJobFinished bool
	// RunningInterval spaces Running notifications; zero disables them.
	RunningInterval time.Duration
}

// Notifier hands a rendered alert to delivery.
type Notifier interface {
	Dispatch(ctx context.Context, n notify.Notice) bool
}

// Decision is the audit record of a flagged evaluation.
type Decision struct {
	Key         jobstats.JobKey
	Flag        string
	Action      jobstats.Action
	Previous    jobstats.Counts
	Current     jobstats.Counts
	Delta       jobstats.Counts
	Delivered   bool
	EvaluatedAt time.Time
}

// DecisionRecorder persists flagged evaluations.
type DecisionRecorder interface {
	Record(ctx context.Context, d Decision) error
}

// Input is one evaluation request.
type Input struct {
	Key      jobstats.JobKey
	Snapshot jobstats.Snapshot
	// Finished is set when the poll reports that the job has ended.
	Finished bool
	Links    notify.Links
}

// Evaluation is the outcome of one evaluation.
type Evaluation struct {
	Flag           string
	Action         jobstats.Action
	Previous       jobstats.Counts
	Current        jobstats.Counts
	Delta          jobstats.Counts
	NewlyTriggered [jobstats.NumCategories]bool
	// Delivered reports that the notification passed the working-hours gate and was sent.
	Delivered bool
	// State is what was persisted; zero after a finished job is forgotten.
	State State
}

// Deps are the collaborators of an Engine. Controller and Recorder are optional.
type Deps struct {
	States     *StateTable
	Finished   *FinishedRegistry
	Notifier   Notifier
	Controller jobstats.JobController
	Recorder   DecisionRecorder
	Clock      jobstats.Clock
	Logger     *zap.Logger
}

// Engine evaluates alert rules against resolved snapshots.
type Engine struct {
	cfg        Config
	states     *StateTable
	finished   *FinishedRegistry
	notifier   Notifier
	controller jobstats.JobController
	recorder   DecisionRecorder
	clock      jobstats.Clock
	logger     *zap.Logger
}

// NewEngine validates deps and builds an Engine.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.States == nil {
		return nil, errors.New("state table is required")
	}
	if deps.Finished == nil {
		return nil, errors.New("finished registry is required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("notifier is required")
	}
	for i, p := range cfg.Triggers {
		if p.Threshold < 0 {
			return nil, errors.New("negative threshold for " + jobstats.Categories[i].String())
		}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Engine{
		cfg:        cfg,
		states:     deps.States,
		finished:   deps.Finished,
		notifier:   deps.Notifier,
		controller: deps.Controller,
		recorder:   deps.Recorder,
		clock:      deps.Clock,
		logger:     deps.Logger,
	}, nil
}

// Evaluate runs one evaluation for in.Key. Evaluations of the same job are
// serialised; action, notification and recording failures are logged only.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Evaluation, error) {
	k := in.Key
	if k.Node == "" || k.Project == "" || k.Spider == "" || k.Job == "" {
		return Evaluation{}, ErrInvalidKey
	}
	unlock := e.states.Lock(k)
	defer unlock()

	log := e.logger.With(zap.String("job_key", k.String()))
	now := e.clock.Now()
	state := e.states.Get(k)
	current := jobstats.CountsOf(&in.Snapshot)
	ev := Evaluation{
		Previous: state.Previous,
		Current:  current,
		Delta:    current.Sub(state.Previous),
	}

	ev.Flag, ev.Action = e.decide(&state, &ev, in.Finished, now)
	if ev.Action != jobstats.ActionNone {
		e.invoke(ctx, log, ev.Action, k)
	}

	if ev.Flag == "" {
		e.states.Put(k, state)
		ev.State = state
	} else {
		metrics.ObserveAlertFlag(ev.Flag)
		ev.Delivered = e.notifier.Dispatch(ctx, notify.Notice{
			Flag:           ev.Flag,
			Key:            k,
			Snapshot:       in.Snapshot,
			Previous:       ev.Previous,
			Current:        ev.Current,
			Delta:          ev.Delta,
			NewlyTriggered: ev.NewlyTriggered,
			Links:          in.Links,
			Now:            now,
		})
		e.record(ctx, log, Decision{
			Key:         k,
			Flag:        ev.Flag,
			Action:      ev.Action,
			Previous:    ev.Previous,
			Current:     ev.Current,
			Delta:       ev.Delta,
			Delivered:   ev.Delivered,
			EvaluatedAt: now,
		})
		state.Previous = current
		state.LastSend = now
		e.states.Put(k, state)
		ev.State = state
		log.Info("alert flagged",
			zap.String("flag", ev.Flag),
			zap.String("action", string(ev.Action)),
			zap.Bool("delivered", ev.Delivered),
		)
	}

	if in.Finished {
		e.states.Delete(k)
		e.finished.Add(k)
		ev.State = State{}
		log.Info("job finished")
	}
	metrics.SetTrackedJobs(e.states.Len())
	return ev, nil
}

// decide picks the flag and the job-control action, updating state's trigger
// and stop markers in place.
func (e *Engine) decide(state *State, ev *Evaluation, finished bool, now time.Time) (string, jobstats.Action) {
	var (
		flag   string
		action jobstats.Action
	)
	switch {
	case finished && e.cfg.OnJobFinished:
		flag = FlagFinished
	case !state.AllTriggered():
		var forceStop, stop bool
		for i, cat := range jobstats.Categories {
			p := e.cfg.Triggers[i]
			if p.Threshold <= 0 || ev.Current[i] < p.Threshold || state.Triggered[i] {
				continue
			}
			state.Triggered[i] = true
			ev.NewlyTriggered[i] = true
			label := cat.Label()
			switch {
			case p.ForceStop:
				flag = composeForceStop(flag, label)
				forceStop = true
			case p.Stop && !state.Stopped:
				if !strings.Contains(flag, "Stop") {
					flag = label + suffixStop
				}
				state.Stopped = true
				stop = true
			case !state.Stopped:
				if flag == "" {
					flag = label + suffixTrigger
				}
			}
		}
		if forceStop {
			action = jobstats.ActionForceStop
		} else if stop {
			action = jobstats.ActionStop
		}
	}
	if flag == "" && e.cfg.RunningInterval > 0 && now.Sub(state.LastSend) >= e.cfg.RunningInterval {
		flag = FlagRunning
	}
	return flag, action
}

// composeForceStop names every category that forced a stop in one evaluation,
// e.g. "Critical+Error_ForceStop".
func composeForceStop(flag, label string) string {
	if prefix, ok := strings.CutSuffix(flag, suffixForceStop); ok {
		return prefix + "+" + label + suffixForceStop
	}
	return label + suffixForceStop
}

func (e *Engine) invoke(ctx context.Context, log *zap.Logger, action jobstats.Action, key jobstats.JobKey) {
	if e.controller == nil {
		log.Warn("no job controller configured", zap.String("action", string(action)))
		return
	}
	if err := e.controller.Invoke(ctx, action, key); err != nil {
		log.Error("job control action failed", zap.String("action", string(action)), zap.Error(err))
	}
}

func (e *Engine) record(ctx context.Context, log *zap.Logger, d Decision) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(ctx, d); err != nil {
		log.Error("failed to record alert decision", zap.Error(err))
	}
}
