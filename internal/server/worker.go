package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lucasnoah/taintbridge/internal/agent"
	"github.com/lucasnoah/taintbridge/internal/checks"
	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

// Reviewer runs the optional agent review of a finished check set.
type Reviewer interface {
	Review(ctx context.Context, req agent.ReviewRequest) *pipeline.Review
}

// ServiceLister lists running container service names.
type ServiceLister interface {
	Services(ctx context.Context) ([]string, error)
}

// DockerServices lists swarm services through the docker CLI.
type DockerServices struct {
	Cmd checks.CommandRunner
	Dir string
}

func (d DockerServices) Services(ctx context.Context) ([]string, error) {
	stdout, stderr, code, err := d.Cmd.Run(ctx, d.Dir, `docker service ls --format "{{.Name}}"`)
	if err != nil {
		return nil, fmt.Errorf("docker service ls: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("docker service ls exited %d: %s", code, strings.TrimSpace(stderr))
	}
	var names []string
	for _, line := range strings.Split(stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// WorkerDeps holds the worker's collaborators. Events, Services and Reviewer
// may be nil.
type WorkerDeps struct {
	Config   config.ServerConfig
	Jobs     *pipeline.JobStore
	Events   *pipeline.EventLog
	Runner   *checks.Runner
	Services ServiceLister
	Reviewer Reviewer
	Logger   *slog.Logger
}

// Worker drains the queue one job at a time.
type Worker struct {
	cfg      config.ServerConfig
	jobs     *pipeline.JobStore
	events   *pipeline.EventLog
	runner   *checks.Runner
	services ServiceLister
	reviewer Reviewer
	log      *slog.Logger
	now      func() time.Time
}

// NewWorker creates a Worker.
func NewWorker(deps WorkerDeps) *Worker {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:      deps.Config,
		jobs:     deps.Jobs,
		events:   deps.Events,
		runner:   deps.Runner,
		services: deps.Services,
		reviewer: deps.Reviewer,
		log:      log,
		now:      time.Now,
	}
}

// Run processes queued triggers serially until ctx is done.
func (w *Worker) Run(ctx context.Context, q *Queue) {
	for {
		item, ok := q.next(ctx)
		if !ok {
			return
		}
		w.Process(ctx, item.trigger, item.queuedAt)
	}
}

// Process runs one job. Any error or panic becomes an error snapshot; it
// never propagates to the caller.
func (w *Worker) Process(ctx context.Context, t pipeline.TriggerRequest, queuedAt int64) {
	defer func() {
		if r := recover(); r != nil {
			w.fail(t, queuedAt, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := w.process(ctx, t, queuedAt); err != nil {
		w.fail(t, queuedAt, err)
	}
}

func (w *Worker) fail(t pipeline.TriggerRequest, queuedAt int64, cause error) {
	w.log.Error("job exception", "job_id", t.JobID, "error", cause)
	job := &pipeline.Job{
		JobID:          t.JobID,
		Task:           t.Task,
		Commit:         t.Commit,
		Stage:          pipeline.JobError,
		Status:         pipeline.StatusError,
		Errors:         []string{"bridge server exception: " + cause.Error()},
		Suggestions:    []string{"Check the bridge server logs."},
		QueuedAt:       queuedAt,
		FinishedAt:     w.now().Unix(),
		SessionContext: t.SessionContext,
	}
	if _, err := w.jobs.Advance(job); err != nil {
		w.log.Error("write error snapshot", "job_id", t.JobID, "error", err)
	}
}

func (w *Worker) process(ctx context.Context, t pipeline.TriggerRequest, queuedAt int64) error {
	startedAt := w.now().Unix()
	running := &pipeline.Job{
		JobID:          t.JobID,
		Task:           t.Task,
		Commit:         t.Commit,
		Stage:          pipeline.JobRunning,
		Status:         pipeline.StatusRunning,
		QueuedAt:       queuedAt,
		StartedAt:      startedAt,
		SessionContext: t.SessionContext,
	}
	if prev, err := w.jobs.Advance(running); errors.Is(err, pipeline.ErrStageRegression) {
		w.log.Info("job already started, skipping", "job_id", t.JobID, "stage", prev.Stage)
		return nil
	} else if err != nil {
		return err
	}
	w.log.Info("job start", "job_id", t.JobID, "task", t.Task)

	setName, cmds := checks.DetectServerSet(t.Task, w.cfg.Checks, w.cfg.TaskCheckMapping)
	resolve := w.serviceResolver(ctx)

	var (
		results []pipeline.CheckResult
		errs    []string
	)
	for _, cmd := range cmds {
		rendered := checks.RenderServices(cmd, resolve)
		res := w.runner.Run(ctx, w.cfg.Workdir, checks.Command{
			Command:  cmd,
			Rendered: rendered,
			Source:   checks.SourceServer,
			Timeout:  w.cfg.CheckTimeout(),
		})
		results = append(results, res)
		if !res.Passed() {
			errs = append(errs, rendered+" failed")
			if s := strings.TrimSpace(res.Stderr); s != "" {
				errs = append(errs, s)
			}
			break
		}
	}
	passed := len(errs) == 0

	var (
		review      *pipeline.Review
		warnings    []string
		suggestions []string
	)
	if w.reviewer != nil {
		req := agent.ReviewRequest{
			Task:     t.Task,
			Commit:   t.Commit,
			Mode:     w.cfg.Mode,
			CheckSet: setName,
			Checks:   results,
		}
		if t.SessionContext != nil {
			req.SessionExcerpt = t.SessionContext.Excerpt
		}
		review = w.reviewer.Review(ctx, req)
		w.log.Info("review", "job_id", t.JobID, "status", review.Status, "next_action", review.NextAction, "errors", len(review.Errors))

		warnings = append(warnings, review.Warnings...)
		suggestions = append(suggestions, review.Suggestions...)
		switch review.Status {
		case pipeline.StatusFailure:
			if passed {
				errs = append(errs, review.Errors...)
			}
			passed = false
		case pipeline.StatusError:
			warnings = append(warnings, "review unavailable: "+review.Message)
		}
		w.appendReviewEvent(t, review)
	}

	status := pipeline.StatusSuccess
	if !passed {
		status = pipeline.StatusFailure
	}
	done := &pipeline.Job{
		JobID:          t.JobID,
		Task:           t.Task,
		Commit:         t.Commit,
		Stage:          pipeline.JobCompleted,
		Status:         status,
		TestsPassed:    passed,
		Errors:         nonEmpty(errs),
		Warnings:       warnings,
		Suggestions:    suggestions,
		QueuedAt:       queuedAt,
		StartedAt:      startedAt,
		FinishedAt:     w.now().Unix(),
		CheckSet:       setName,
		Checks:         results,
		Review:         review,
		SessionContext: t.SessionContext,
	}
	if _, err := w.jobs.Advance(done); err != nil {
		return err
	}
	w.log.Info("job done", "job_id", t.JobID, "status", done.Status, "next_action", done.NextAction)
	return nil
}

// serviceResolver lists services at most once per job, and only when a
// command actually references one.
func (w *Worker) serviceResolver(ctx context.Context) func(string) string {
	var (
		listed   bool
		services []string
	)
	return func(alias string) string {
		if !listed && w.services != nil {
			listed = true
			names, err := w.services.Services(ctx)
			if err != nil {
				w.log.Warn("service discovery failed", "error", err)
			}
			services = names
		}
		return checks.ResolveServiceName(alias, w.cfg.ServiceNamePatterns[alias], services)
	}
}

func (w *Worker) appendReviewEvent(t pipeline.TriggerRequest, rv *pipeline.Review) {
	if w.events == nil {
		return
	}
	msg := fmt.Sprintf("Server review %s (%d errors).", rv.Status, len(rv.Errors))
	if rv.Message != "" {
		msg = "Server review error: " + rv.Message
	}
	err := w.events.Append(pipeline.Event{
		JobID:      t.JobID,
		EventType:  pipeline.EventReview,
		Task:       t.Task,
		Commit:     t.Commit,
		Workflow:   "server-review",
		Status:     "completed",
		Conclusion: string(rv.Status),
		Message:    msg,
		Timestamp:  w.now().Unix(),
	})
	if err != nil {
		w.log.Warn("append review event", "job_id", t.JobID, "error", err)
	}
}

func nonEmpty(lines []string) []string {
	out := []string{}
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}
