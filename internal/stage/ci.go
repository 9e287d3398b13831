package stage

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/github"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
	"github.com/lucasnoah/taintbridge/internal/worktree"
)

// CI waits for the CI provider's runs of the pushed commit to settle.
type CI struct {
	progress
	cfg    config.GitHubCIConfig
	gh     *github.Client
	repo   *worktree.Repo
	remote string

	interval time.Duration
	grace    time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// NewCI creates the CI wait stage.
func NewCI(cfg config.GitHubCIConfig, gh *github.Client, repo *worktree.Repo, remote string) *CI {
	return &CI{
		cfg:      cfg,
		gh:       gh,
		repo:     repo,
		remote:   remote,
		interval: cfg.PollInterval(),
		grace:    cfg.NoRunGrace(),
		timeout:  cfg.Timeout(),
		now:      time.Now,
	}
}

// SetPollInterval overrides the poll interval (for testing).
func (s *CI) SetPollInterval(d time.Duration) {
	s.interval = d
}

func (s *CI) Name() string { return pipeline.StageCI }

func (s *CI) Run(ctx context.Context, in *Input) *pipeline.StageResult {
	if !s.cfg.Enabled {
		return nil
	}
	slug := strings.TrimSpace(s.cfg.Repo)
	if slug == "" {
		if url, err := s.repo.RemoteURL(s.remote); err == nil {
			slug = github.RepoSlug(url)
		}
	}
	if slug == "" {
		return pipeline.Failure(s.Name(), in.Task, in.Commit,
			[]string{fmt.Sprintf("GitHub repo slug could not be derived from remote %q.", s.remote)},
			`Set github_ci.repo to "owner/repo" in bridge.yaml.`)
	}

	files, err := s.repo.ChangedFiles(in.Commit)
	if err != nil {
		s.logf("[ci] changed files unknown: %v", err)
	}
	pred := github.PredictCI(files)
	detail := &pipeline.CIDetail{Repo: slug, Runs: []pipeline.CIRun{}, Expected: pred.ExpectRuns, Prediction: pred.Reason}

	if pred.Known && !pred.ExpectRuns {
		msg := fmt.Sprintf("No CI run expected for the changed paths (%s); skipping CI.", pred.Reason)
		in.Events.Emit(ctx, pipeline.EventRequest{
			EventType:  pipeline.EventCIStatus,
			Workflow:   "github-ci",
			Status:     "completed",
			Conclusion: "skipped",
			Message:    msg,
		})
		detail.SkippedNoRuns = true
		res := pipeline.Success(s.Name(), in.Task, in.Commit)
		res.Warnings = append(res.Warnings, msg)
		return s.withCI(res, detail)
	}

	if _, err := s.gh.Version(); err != nil {
		res := pipeline.Failure(s.Name(), in.Task, in.Commit,
			[]string{"GitHub CLI (gh) is not available.", err.Error()},
			"Install the GitHub CLI: https://cli.github.com/",
			"Check `gh auth status` in a new terminal.")
		return s.withCI(res, detail)
	}

	started := s.now()
	deadline := started.Add(s.timeout)
	for {
		runs, err := s.gh.ListRuns(slug, in.Commit, s.cfg.Workflows)
		detail.Waited = math.Round(s.now().Sub(started).Seconds()*100) / 100
		if err != nil {
			res := pipeline.Failure(s.Name(), in.Task, in.Commit,
				[]string{"GitHub CI status lookup failed (gh run list).", err.Error()},
				"Check `gh auth status` on this machine.")
			return s.withCI(res, detail)
		}
		detail.Runs = runs
		s.announce(ctx, in, runs)

		if len(runs) > 0 && github.Settled(runs) {
			failed := github.Failed(runs)
			if len(failed) == 0 {
				return s.withCI(pipeline.Success(s.Name(), in.Task, in.Commit), detail)
			}
			errs := make([]string, 0, len(failed))
			for _, r := range failed {
				errs = append(errs, fmt.Sprintf("GitHub CI failed: %s (%s)", r.Workflow, r.Conclusion))
			}
			res := pipeline.Failure(s.Name(), in.Task, in.Commit, errs,
				"Inspect the failed run with `gh run view <run-id> --log-failed`.",
				"Fix the failure, commit and push again.")
			return s.withCI(res, detail)
		}

		if len(runs) == 0 && s.now().Sub(started) >= s.grace {
			return s.noRuns(ctx, in, detail)
		}
		if !s.now().Add(s.interval).Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			res := pipeline.Failure(s.Name(), in.Task, in.Commit, []string{"GitHub CI wait cancelled: " + ctx.Err().Error()})
			return s.withCI(res, detail)
		case <-time.After(s.interval):
		}
	}

	res := pipeline.Failure(s.Name(), in.Task, in.Commit, []string{"GitHub CI wait timeout."},
		"Check the run status with `gh run list` or the GitHub UI.")
	return s.withCI(res, detail)
}

// announce emits one event per run state change.
func (s *CI) announce(ctx context.Context, in *Input, runs []pipeline.CIRun) {
	for _, r := range runs {
		var msg string
		switch {
		case r.Status != "completed":
			msg = fmt.Sprintf("%s status: %s", r.Workflow, r.Status)
		case strings.EqualFold(r.Conclusion, "success"):
			msg = r.Workflow + " succeeded"
		default:
			msg = r.Workflow + " failed"
		}
		key := fmt.Sprintf("%d:%s:%s", r.ID, r.Status, r.Conclusion)
		if in.Events.EmitOnce(ctx, key, pipeline.EventRequest{
			EventType:  pipeline.EventCIStatus,
			Workflow:   r.Workflow,
			Status:     r.Status,
			Conclusion: r.Conclusion,
			Message:    msg,
		}) {
			s.logf("[ci] %s", msg)
		}
	}
}

func (s *CI) noRuns(ctx context.Context, in *Input, detail *pipeline.CIDetail) *pipeline.StageResult {
	in.Events.Emit(ctx, pipeline.EventRequest{
		EventType:  pipeline.EventCIStatus,
		Workflow:   "github-ci",
		Status:     "completed",
		Conclusion: "skipped",
		Message:    "No GitHub Actions run found for the commit (path filter or no trigger); moving on.",
	})
	if s.cfg.RequireRuns {
		res := pipeline.Failure(s.Name(), in.Task, in.Commit,
			[]string{"No GitHub CI run found within the grace period."},
			"Check the workflow triggers and path filters.",
			"If this task legitimately triggers no CI, set github_ci.require_runs to false.")
		return s.withCI(res, detail)
	}
	detail.SkippedNoRuns = true
	res := pipeline.Success(s.Name(), in.Task, in.Commit)
	res.Warnings = append(res.Warnings, "No GitHub CI run found; CI stage skipped.")
	return s.withCI(res, detail)
}

func (s *CI) withCI(res *pipeline.StageResult, d *pipeline.CIDetail) *pipeline.StageResult {
	return withDetail(res, &pipeline.StageDetail{CI: d})
}
