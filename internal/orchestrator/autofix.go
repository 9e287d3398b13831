package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lucasnoah/taintbridge/internal/agent"
	"github.com/lucasnoah/taintbridge/internal/checks"
	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
	"github.com/lucasnoah/taintbridge/internal/tracker"
)

// Fixer repairs the working tree between attempts. It may edit files and
// create at most one commit; it never pushes.
type Fixer interface {
	Fix(ctx context.Context, req agent.FixRequest) (string, error)
}

// Allowlist expands the configured path templates for task. A template is
// dropped when the task cannot fill one of its placeholders, so an
// unnumbered task never widens to a bare parent directory.
func Allowlist(templates []string, task string) []string {
	slug := tracker.Slug(task)
	_, numbered := checks.TaskNumber(task)

	seen := map[string]bool{}
	var out []string
	for _, t := range templates {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if strings.Contains(t, "{slug}") && slug == "" {
			continue
		}
		if strings.Contains(t, "{task_no}") && !numbered {
			continue
		}
		p := cleanPath(tracker.Expand(t, task))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func cleanPath(p string) string {
	p = filepath.ToSlash(strings.TrimSpace(p))
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	return p
}

// guard decides which working tree paths a repair may touch.
type guard struct {
	allow  []string
	ignore string // state dir relative to the repo; "" when it lives elsewhere
}

func newGuard(allow []string, repoDir, stateDir string) guard {
	g := guard{allow: allow}
	if stateDir == "" {
		return g
	}
	absRepo, err1 := filepath.Abs(repoDir)
	absState, err2 := filepath.Abs(stateDir)
	if err1 != nil || err2 != nil {
		return g
	}
	rel, err := filepath.Rel(absRepo, absState)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return g
	}
	g.ignore = filepath.ToSlash(rel)
	return g
}

// allowed matches p against each entry on path segment boundaries: an
// entry covers itself and everything below it, never a sibling that merely
// shares its prefix.
func (g guard) allowed(p string) bool {
	for _, a := range g.allow {
		dir := strings.TrimSuffix(a, "/")
		if p == dir || strings.HasPrefix(p, dir+"/") {
			return true
		}
	}
	return false
}

// outside returns the sorted, de-duplicated paths the allowlist does not
// cover.
func (g guard) outside(paths []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range paths {
		p = cleanPath(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		if g.ignore != "" && (p == g.ignore || strings.HasPrefix(p, g.ignore+"/")) {
			continue
		}
		if !g.allowed(p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// autoFix runs one guarded repair for a failed attempt. ok reports whether
// the loop may try again. A non-nil blocked result replaces the failure
// when the guard refused or rejected the repair.
func (o *Orchestrator) autoFix(ctx context.Context, cfg *config.Config, task string, attempt int, failed *pipeline.StageResult) (blocked *pipeline.StageResult, ok bool) {
	if o.deps.Fixer == nil {
		slog.Warn("auto-fix skipped: agent disabled", "attempt", attempt)
		return nil, false
	}
	repo := o.deps.Repo
	allow := Allowlist(cfg.Client.AutoFix.Allowlist, task)
	detail := &pipeline.AutoFixDetail{Attempt: attempt, Allowlist: allow}
	fail := func(headline string, paths []string, suggestions ...string) *pipeline.StageResult {
		detail.Refused = paths
		return blockedResult(task, failed, detail, headline, paths, suggestions)
	}

	if len(allow) == 0 {
		return fail("Auto-fix refused: no allowlist entry applies to this task.", nil,
			"Add a client.auto_fix.allowlist entry that matches the task."), false
	}
	g := newGuard(allow, repo.Dir(), cfg.Bridge.StateDir)

	dirty, err := repo.DirtyPaths()
	if err != nil {
		return fail("Auto-fix refused: could not inspect the working tree: "+err.Error(), nil), false
	}
	if bad := g.outside(dirty); len(bad) > 0 {
		return fail("Auto-fix refused: working tree has changes outside the allowlist.", bad,
			"Commit or stash unrelated changes, then rerun the task."), false
	}

	before, err := repo.Head()
	if err != nil {
		return fail("Auto-fix refused: "+err.Error(), nil), false
	}
	detail.HeadBefore = before

	fmt.Fprintf(o.deps.Out, "[auto-fix] attempt=%d stage=%s allowlist=%s\n", attempt, failed.Stage, strings.Join(allow, ","))
	summary, err := o.deps.Fixer.Fix(ctx, agent.FixRequest{
		Attempt:   attempt,
		Task:      task,
		Result:    failed,
		Allowlist: allow,
	})
	if err != nil {
		slog.Warn("auto-fix failed", "attempt", attempt, "error", err)
		return nil, false
	}

	after, err := repo.Head()
	if err != nil {
		return fail("Auto-fix rejected: "+err.Error(), nil), false
	}
	detail.HeadAfter = after

	commits, err := repo.CommitCount(before, after)
	if err != nil {
		return fail("Auto-fix rejected: "+err.Error(), nil), false
	}
	if commits > 1 {
		return fail(fmt.Sprintf("Auto-fix rejected: repair created %d commits; at most one is allowed.", commits), nil,
			"Squash or revert the repair commits by hand."), false
	}

	changed, err := repo.ChangedBetween(before, after)
	if err != nil {
		return fail("Auto-fix rejected: "+err.Error(), nil), false
	}
	dirtyAfter, err := repo.DirtyPaths()
	if err != nil {
		return fail("Auto-fix rejected: could not inspect the working tree: "+err.Error(), nil), false
	}
	if bad := g.outside(append(changed, dirtyAfter...)); len(bad) > 0 {
		return fail("Auto-fix rejected: repair touched paths outside the allowlist.", bad,
			"Review the repair by hand; revert the out-of-scope edits before retrying."), false
	}

	if summary != "" {
		fmt.Fprintf(o.deps.Out, "[auto-fix] %s\n", summary)
	}
	slog.Info("auto-fix applied", "attempt", attempt, "commits", commits, "head", shortCommit(after))
	return nil, true
}

func blockedResult(task string, failed *pipeline.StageResult, detail *pipeline.AutoFixDetail, headline string, paths, suggestions []string) *pipeline.StageResult {
	errs := []string{headline}
	for _, p := range paths {
		errs = append(errs, "Outside allowlist: "+p)
	}
	errs = append(errs, failed.Errors...)
	res := pipeline.Failure(pipeline.StageAutoFix, task, failed.Commit, errs, suggestions...)
	res.Warnings = append(res.Warnings, failed.Warnings...)
	res.JobID = failed.JobID
	res.Detail = &pipeline.StageDetail{Kind: pipeline.StageAutoFix, AutoFix: detail}
	return res
}
