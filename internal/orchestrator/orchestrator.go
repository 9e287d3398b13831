package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/lucasnoah/taintbridge/internal/client"
	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
	"github.com/lucasnoah/taintbridge/internal/stage"
	"github.com/lucasnoah/taintbridge/internal/worktree"
)

// StageClient names results produced by the loop itself rather than a stage.
const StageClient = "bridge_client"

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Repo *worktree.Repo
	// Load is called before every attempt so that edits made between
	// attempts take effect.
	Load  func() (*config.Config, error)
	Build func(cfg *config.Config) *Sequence
	// Fixer repairs between attempts; nil disables repair.
	Fixer    Fixer
	Notifier Notifier // may be nil
	Out      io.Writer
	NewJobID func() string
}

// Options tune a single run.
type Options struct {
	// Watch prints the job's timeline while the remote stages run.
	Watch bool
}

// Orchestrator drives the client pipeline through its retry loop.
type Orchestrator struct {
	deps Deps
	opts Options
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.NewJobID == nil {
		deps.NewJobID = uuid.NewString
	}
	if deps.Out == nil {
		deps.Out = io.Discard
	}
	return &Orchestrator{deps: deps, opts: opts}
}

// Report is the outcome of Run.
type Report struct {
	Result   *pipeline.StageResult
	Attempts int
	Fixes    int
}

// ExitCode is 0 iff the final result proceeds.
func (r *Report) ExitCode() int {
	if r.Result.Proceed() {
		return 0
	}
	return 1
}

// Run executes the pipeline for task, repairing and retrying failed
// attempts up to the configured limit.
func (o *Orchestrator) Run(ctx context.Context, task string) *Report {
	rep := &Report{}
	attempts := 1
	for n := 1; n <= attempts; n++ {
		rep.Attempts = n
		cfg, err := o.deps.Load()
		if err != nil {
			res := pipeline.Failure(StageClient, task, "", []string{"Config load failed: " + err.Error()},
				"Run `bridge config validate` and fix the reported fields.")
			rep.Result = o.record(ctx, nil, nil, nil, res)
			return rep
		}
		attempts = cfg.Client.AutoFix.Attempts()
		if n > 1 {
			fmt.Fprintf(o.deps.Out, "[jobs] retry attempt=%d/%d\n", n, attempts)
		}

		seq := o.deps.Build(cfg)
		rep.Result = o.attempt(ctx, cfg, seq, task)
		if rep.Result.Proceed() || n >= attempts {
			break
		}

		blocked, ok := o.autoFix(ctx, cfg, task, n, o.lastResult(cfg, rep.Result))
		if blocked != nil {
			rep.Result = o.record(ctx, cfg, seq, nil, blocked)
		}
		if !ok {
			break
		}
		rep.Fixes++
	}
	slog.Info("pipeline finished", "task", task, "status", rep.Result.Status, "attempts", rep.Attempts, "fixes", rep.Fixes)
	return rep
}

// attempt runs every stage once. The first result that does not proceed
// ends the attempt; warnings from earlier stages are carried onto it.
func (o *Orchestrator) attempt(ctx context.Context, cfg *config.Config, seq *Sequence, task string) *pipeline.StageResult {
	in := &stage.Input{Task: task, JobID: o.deps.NewJobID()}
	fmt.Fprintf(o.deps.Out, "[jobs] job_id=%s task=%s\n", in.JobID, task)

	var watcher *client.Watcher
	stopWatch := func() {
		if watcher != nil && !watcher.Stop(cfg.Bridge.WatchJoin()) {
			slog.Warn("timeline watcher did not stop in time", "job_id", in.JobID)
		}
	}

	var warnings []string
	var last *pipeline.StageResult
	for _, s := range seq.Stages {
		res := s.Run(ctx, in)

		if in.Events == nil && in.Commit != "" {
			in.Events = client.NewEmitter(seq.Client, in.JobID, task, in.Commit, seq.Redactor, o.deps.Out)
			in.Events.Emit(ctx, pipeline.EventRequest{EventType: pipeline.EventHello, Message: "connected, watching CI"})
			if o.opts.Watch {
				watcher = client.NewWatcher(seq.Client, in.JobID, "", cfg.Bridge.PollInterval(), o.deps.Out)
				watcher.Start(ctx, 0)
			}
		}

		if res == nil {
			fmt.Fprintf(o.deps.Out, "[jobs] %s skipped\n", s.Name())
			continue
		}
		if !res.Proceed() {
			res.Warnings = dedupe(append(warnings, res.Warnings...))
			stopWatch()
			return o.record(ctx, cfg, seq, in, res)
		}
		warnings = append(warnings, res.Warnings...)
		last = res
	}

	final := last
	if final == nil {
		final = pipeline.Success(StageClient, task, in.Commit)
	}
	if seq.Tracker != nil {
		if tr := seq.Tracker.Run(ctx, in); tr != nil {
			warnings = append(warnings, tr.Warnings...)
		}
	}
	final.Warnings = dedupe(warnings)
	stopWatch()
	return o.record(ctx, cfg, seq, in, final)
}

// record makes res the latest terminal result: redacted, written to the
// state dir, announced on the timeline and to the notifier, and printed.
// cfg, seq and in may be nil when the attempt never got that far.
func (o *Orchestrator) record(ctx context.Context, cfg *config.Config, seq *Sequence, in *stage.Input, res *pipeline.StageResult) *pipeline.StageResult {
	var redact *pipeline.Redactor
	if seq != nil {
		redact = seq.Redactor
	}
	if in != nil && res.JobID == "" {
		res.JobID = in.JobID
	}
	redact.RedactResult(res.Normalize())

	if cfg != nil {
		if err := pipeline.WriteLastResult(pipeline.LastResultPath(cfg.Bridge.StateDir), res); err != nil {
			slog.Warn("last result not saved", "error", err)
		}
	}
	if in != nil {
		in.Events.Emit(ctx, pipeline.EventRequest{
			EventType: pipeline.EventPipeline,
			Status:    string(res.Status),
			Message:   res.Stage + ": " + string(res.NextAction),
		})
	}
	if o.deps.Notifier != nil {
		if err := o.deps.Notifier.Notify(ctx, res); err != nil {
			slog.Warn("notification failed", "error", redact.Redact(err.Error()))
		}
	}
	PrintSummary(o.deps.Out, res)
	return res
}

// lastResult prefers the recorded failure on disk and falls back to the
// in-memory one.
func (o *Orchestrator) lastResult(cfg *config.Config, fallback *pipeline.StageResult) *pipeline.StageResult {
	res, err := pipeline.ReadLastResult(pipeline.LastResultPath(cfg.Bridge.StateDir))
	if err != nil || res.Proceed() {
		return fallback
	}
	return res
}

func dedupe(lines []string) []string {
	seen := make(map[string]bool, len(lines))
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}
