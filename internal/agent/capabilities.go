package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/taintbridge/internal/checks"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
	"github.com/lucasnoah/taintbridge/internal/prompt"
)

// PromptOverrideDir, relative to the agent's working directory, holds
// optional replacements for the built-in prompt templates.
const PromptOverrideDir = ".bridge/prompts"

// SmokePlaceholders is the list of placeholders offered to generated smoke
// commands.
const SmokePlaceholders = "{{BASE_URL}}, {{TENANT_ID}}, {{ACCESS_TOKEN}}, {{SMOKE_EMAIL}}, {{SMOKE_PASSWORD}}"

func (c *CLI) build(name string, vars prompt.Vars) (string, error) {
	dir := ""
	if c.dir != "" {
		dir = filepath.Join(c.dir, PromptOverrideDir)
	}
	return prompt.Build(name, dir, vars)
}

// ContextFunc returns recent repository context for a prompt.
type ContextFunc func(ctx context.Context) string

// Generator asks the agent for smoke commands. It implements
// checks.Generator.
type Generator struct {
	cli         *CLI
	timeout     time.Duration
	repoContext ContextFunc
}

// NewGenerator creates a Generator. repoContext may be nil.
func NewGenerator(cli *CLI, timeout time.Duration, repoContext ContextFunc) *Generator {
	return &Generator{cli: cli, timeout: timeout, repoContext: repoContext}
}

type generatedReply struct {
	Commands []string `json:"commands"`
	Notes    string   `json:"notes"`
}

// Generate returns at most req.MaxCommands non-empty commands. Commands are
// not policy-checked here; the runner validates every command before use.
func (g *Generator) Generate(ctx context.Context, req checks.GenerateRequest) (*checks.Generated, error) {
	repoContext := "(repository context unavailable)"
	if g.repoContext != nil {
		if s := strings.TrimSpace(g.repoContext(ctx)); s != "" {
			repoContext = s
		}
	}
	vars := prompt.Vars{
		"task":         req.Task,
		"stage":        req.Stage,
		"max_commands": strconv.Itoa(req.MaxCommands),
		"placeholders": SmokePlaceholders,
		"repo_context": repoContext,
	}
	switch req.Stage {
	case checks.StageLocal:
		vars["local_stage"] = "1"
	case checks.StagePostDeploy:
		vars["post_deploy_stage"] = "1"
	}
	text, err := g.cli.build(prompt.SmokeGenerate, vars)
	if err != nil {
		return nil, err
	}

	res, err := g.cli.Prompt(ctx, text, g.timeout)
	if err != nil {
		return nil, fmt.Errorf("smoke generation: %w", err)
	}
	var reply generatedReply
	if err := DecodeObject(res.Stdout, &reply); err != nil {
		return nil, fmt.Errorf("smoke generation: %w", err)
	}

	out := &checks.Generated{Notes: strings.TrimSpace(reply.Notes)}
	for _, c := range reply.Commands {
		if c = strings.TrimSpace(c); c != "" {
			out.Commands = append(out.Commands, c)
		}
	}
	if len(out.Commands) == 0 {
		return nil, errors.New("smoke generation: empty command list")
	}
	if req.MaxCommands > 0 && len(out.Commands) > req.MaxCommands {
		out.Commands = out.Commands[:req.MaxCommands]
	}
	return out, nil
}

// Repairer asks the agent to fix one failing command. It implements
// checks.Repairer.
type Repairer struct {
	cli     *CLI
	timeout time.Duration
}

// NewRepairer creates a Repairer.
func NewRepairer(cli *CLI, timeout time.Duration) *Repairer {
	return &Repairer{cli: cli, timeout: timeout}
}

type repairReply struct {
	FixedCommand string `json:"fixed_command"`
	Reason       string `json:"reason"`
}

// Repair returns the proposed command, or "" when the agent offers none.
func (r *Repairer) Repair(ctx context.Context, req checks.RepairRequest) (string, error) {
	text, err := r.cli.build(prompt.SmokeRepair, prompt.Vars{
		"stage":        req.Stage,
		"task":         req.Task,
		"command":      req.Command,
		"stderr":       req.Stderr,
		"stdout":       req.Stdout,
		"placeholders": SmokePlaceholders,
	})
	if err != nil {
		return "", err
	}
	res, err := r.cli.Prompt(ctx, text, r.timeout)
	if err != nil {
		return "", fmt.Errorf("smoke repair: %w", err)
	}
	var reply repairReply
	if err := DecodeObject(res.Stdout, &reply); err != nil {
		return "", fmt.Errorf("smoke repair: %w", err)
	}
	return strings.TrimSpace(reply.FixedCommand), nil
}

// ReviewRequest is the input to a server-side review.
type ReviewRequest struct {
	Task           string
	Commit         string
	Mode           string
	CheckSet       string
	Checks         []pipeline.CheckResult
	SessionExcerpt string
}

// Reviewer runs the verification host's agent review.
type Reviewer struct {
	cli     *CLI
	timeout time.Duration
}

// NewReviewer creates a Reviewer.
func NewReviewer(cli *CLI, timeout time.Duration) *Reviewer {
	return &Reviewer{cli: cli, timeout: timeout}
}

// Review never fails: an agent or parse failure comes back as a Review with
// status error, and the raw output when there was any.
func (r *Reviewer) Review(ctx context.Context, req ReviewRequest) *pipeline.Review {
	text, err := r.cli.build(prompt.Review, prompt.Vars{
		"task":            req.Task,
		"commit":          req.Commit,
		"mode":            req.Mode,
		"check_set":       req.CheckSet,
		"check_summary":   summarizeChecks(req.Checks),
		"session_excerpt": req.SessionExcerpt,
	})
	if err != nil {
		return reviewError("review prompt: "+err.Error(), "")
	}
	res, err := r.cli.Prompt(ctx, text, r.timeout)
	if err != nil {
		raw := ""
		if res != nil {
			raw = strings.TrimSpace(res.Stdout)
		}
		return reviewError("agent invocation failed: "+err.Error(), raw)
	}

	var rv pipeline.Review
	if err := DecodeObject(res.Stdout, &rv); err != nil {
		return reviewError("agent JSON parse failed: "+err.Error(), strings.TrimSpace(res.Stdout))
	}
	switch rv.Status {
	case pipeline.StatusSuccess, pipeline.StatusFailure:
	default:
		return reviewError(fmt.Sprintf("agent returned unknown status %q", rv.Status), strings.TrimSpace(res.Stdout))
	}
	for _, l := range []*[]string{&rv.Errors, &rv.Warnings, &rv.Suggestions} {
		if *l == nil {
			*l = []string{}
		}
	}
	rv.NextAction = pipeline.FixRequired
	if rv.Status == pipeline.StatusSuccess {
		rv.NextAction = pipeline.Proceed
	} else {
		rv.TestsPassed = false
	}
	return &rv
}

func reviewError(msg, raw string) *pipeline.Review {
	return &pipeline.Review{
		Status:      pipeline.StatusError,
		Errors:      []string{},
		Warnings:    []string{},
		Suggestions: []string{},
		NextAction:  pipeline.FixRequired,
		Message:     msg,
		RawOutput:   raw,
	}
}

func summarizeChecks(results []pipeline.CheckResult) string {
	var b strings.Builder
	for _, c := range results {
		fmt.Fprintf(&b, "- rc=%d %s\n", c.ReturnCode, c.RenderedCommand)
		if !c.Passed() {
			if tail := strings.TrimSpace(checks.Tail(checks.Combined(c.Stdout, c.Stderr), 600)); tail != "" {
				fmt.Fprintf(&b, "  %s\n", strings.ReplaceAll(tail, "\n", "\n  "))
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Hello asks the agent for a one-line greeting.
func Hello(ctx context.Context, cli *CLI, side string, timeout time.Duration) (string, error) {
	text, err := cli.build(prompt.Hello, prompt.Vars{"side": side})
	if err != nil {
		return "", err
	}
	res, err := cli.Prompt(ctx, text, timeout)
	if err != nil {
		return "", err
	}
	line := FirstLine(res.Stdout)
	if line == "" {
		return "", errors.New("agent hello returned no text")
	}
	return line, nil
}

// FixRequest describes a failed attempt handed to the auto-fix agent.
type FixRequest struct {
	Attempt   int
	Task      string
	Result    *pipeline.StageResult
	Allowlist []string
}

// Fixer asks the agent to repair the working tree after a failed attempt.
type Fixer struct {
	cli     *CLI
	timeout time.Duration
}

// NewFixer creates a Fixer.
func NewFixer(cli *CLI, timeout time.Duration) *Fixer {
	return &Fixer{cli: cli, timeout: timeout}
}

// Fix runs the agent once. It returns the agent's closing summary line.
func (f *Fixer) Fix(ctx context.Context, req FixRequest) (string, error) {
	resultJSON, err := json.MarshalIndent(req.Result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal failure result: %w", err)
	}
	var allow strings.Builder
	for _, p := range req.Allowlist {
		fmt.Fprintf(&allow, "  - %s\n", p)
	}
	text, err := f.cli.build(prompt.AutoFix, prompt.Vars{
		"attempt":     strconv.Itoa(req.Attempt),
		"task":        req.Task,
		"stage":       req.Result.Stage,
		"commit":      req.Result.Commit,
		"result_json": string(resultJSON),
		"allowlist":   strings.TrimRight(allow.String(), "\n"),
	})
	if err != nil {
		return "", err
	}
	res, err := f.cli.Prompt(ctx, text, f.timeout)
	if err != nil {
		return "", fmt.Errorf("auto-fix: %w", err)
	}
	return LastLine(res.Stdout), nil
}
