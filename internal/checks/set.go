package checks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

// Excerpt limits used when a failing command is reported.
const (
	detailExcerptLen = 1200
	streamExcerptLen = 800
)

// RepairRequest describes one failing command.
type RepairRequest struct {
	Stage   string
	Task    string
	Command string
	Stdout  string
	Stderr  string
}

// Repairer proposes a replacement for a single failing command. An empty
// string with a nil error means no repair is offered.
type Repairer interface {
	Repair(ctx context.Context, req RepairRequest) (string, error)
}

// GenerateRequest asks for commands for a stage when no explicit set applies.
type GenerateRequest struct {
	Task        string
	Stage       string
	MaxCommands int
}

// Generated is the output of a Generator.
type Generated struct {
	Commands []string
	Notes    string
}

// Generator produces smoke commands for a task.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Generated, error)
}

// SetRequest configures one RunSet call.
type SetRequest struct {
	Stage    string
	Task     string
	Dir      string
	Commands []Command
	Vars     map[string]string
	Repairer Repairer
	OnStart  func(c Command)
	OnDone   func(res pipeline.CheckResult)
}

// SetOutcome is what RunSet observed. Errors is empty iff every command
// passed.
type SetOutcome struct {
	Checks   []pipeline.CheckResult
	Errors   []string
	Rejected *PolicyError
}

// Passed reports whether every command in the set passed.
func (o *SetOutcome) Passed() bool {
	return len(o.Errors) == 0
}

// SetProgress sets a writer for live progress output; nil is silent.
func (r *Runner) SetProgress(w io.Writer) {
	r.progress = w
}

func (r *Runner) logf(format string, args ...any) {
	if r.progress != nil {
		fmt.Fprintf(r.progress, "  → "+format+"\n", args...)
	}
}

// RunSet validates and runs commands in order, stopping at the first
// failure. Every command is checked against the sandbox policy before it is
// rendered; a rejected command is never run. A failing command gets at most
// one repair through req.Repairer, and the repaired command passes the same
// policy before its single retry.
func (r *Runner) RunSet(ctx context.Context, req SetRequest) *SetOutcome {
	out := &SetOutcome{Checks: []pipeline.CheckResult{}}
	for _, c := range req.Commands {
		if err := Validate(req.Stage, c.Command); err != nil {
			var pe *PolicyError
			errors.As(err, &pe)
			out.Rejected = pe
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", req.Stage, err), c.Command)
			r.logf("[%s] rejected: %v", req.Stage, err)
			return out
		}
		c.Rendered = Render(c.Command, req.Vars)

		res := r.runOne(ctx, req, c)
		out.Checks = append(out.Checks, res)
		if res.Passed() {
			continue
		}

		failed := res
		if retried, ok := r.repair(ctx, req, c, res); ok {
			out.Checks = append(out.Checks, retried)
			if retried.Passed() {
				continue
			}
			failed = retried
		}
		out.Errors = append(out.Errors, failureLines(req.Stage, failed)...)
		return out
	}
	return out
}

func (r *Runner) runOne(ctx context.Context, req SetRequest, c Command) pipeline.CheckResult {
	if req.OnStart != nil {
		req.OnStart(c)
	}
	r.logf("[%s] start cmd=%s", req.Stage, c.Command)
	res := r.Run(ctx, req.Dir, c)
	r.logf("[%s] done rc=%d dur=%.2fs", req.Stage, res.ReturnCode, res.DurationSeconds)
	if req.OnDone != nil {
		req.OnDone(res)
	}
	return res
}

func (r *Runner) repair(ctx context.Context, req SetRequest, c Command, failed pipeline.CheckResult) (pipeline.CheckResult, bool) {
	if req.Repairer == nil {
		return pipeline.CheckResult{}, false
	}
	fixed, err := req.Repairer.Repair(ctx, RepairRequest{
		Stage:   req.Stage,
		Task:    req.Task,
		Command: c.Command,
		Stdout:  Head(strings.TrimSpace(failed.Stdout), detailExcerptLen),
		Stderr:  Head(strings.TrimSpace(failed.Stderr), detailExcerptLen),
	})
	fixed = strings.TrimSpace(fixed)
	if err != nil {
		r.logf("[%s] repair unavailable: %v", req.Stage, err)
		return pipeline.CheckResult{}, false
	}
	if fixed == "" || fixed == c.Command || fixed == c.Rendered {
		return pipeline.CheckResult{}, false
	}
	if err := Validate(req.Stage, fixed); err != nil {
		r.logf("[%s] repair rejected: %v", req.Stage, err)
		return pipeline.CheckResult{}, false
	}
	r.logf("[%s] retrying repaired command", req.Stage)
	rc := Command{
		Name:     c.Name,
		Command:  fixed,
		Rendered: Render(fixed, req.Vars),
		Source:   SourceRepair,
		Timeout:  c.Timeout,
	}
	return r.runOne(ctx, req, rc), true
}

// failureLines reports a failed command: a header naming the command, then a
// detail excerpt, then whichever stream the detail did not already show.
func failureLines(stage string, res pipeline.CheckResult) []string {
	lines := []string{fmt.Sprintf("%s failed: %s", stage, res.RenderedCommand)}
	if res.ReturnCode == 0 && res.HTTPStatus != nil {
		lines = append(lines, fmt.Sprintf("unexpected HTTP status %d", *res.HTTPStatus))
	}
	stderr := strings.TrimSpace(res.Stderr)
	stdout := strings.TrimSpace(res.Stdout)
	detail := stderr
	if detail == "" {
		detail = stdout
	}
	if detail != "" {
		lines = append(lines, Head(detail, detailExcerptLen))
	}
	if stdout != "" && stdout != detail {
		lines = append(lines, "stdout excerpt: "+Head(stdout, streamExcerptLen))
	}
	if stderr != "" && stderr != detail {
		lines = append(lines, "stderr excerpt: "+Head(stderr, streamExcerptLen))
	}
	return lines
}
