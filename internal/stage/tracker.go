package stage

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/lucasnoah/taintbridge/internal/checks"
	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
	"github.com/lucasnoah/taintbridge/internal/tracker"
	"github.com/lucasnoah/taintbridge/internal/worktree"
)

// Tracker marks the task completed in the markdown tracker, commits the
// file and optionally pushes it. It is best effort: problems come back as
// warnings on a successful result.
type Tracker struct {
	progress
	cfg       config.TrackerConfig
	repo      *worktree.Repo
	tasksFile string
	remote    string
	branch    string
	now       func() time.Time
}

// NewTracker creates the tracker update stage.
func NewTracker(cfg config.TrackerConfig, repo *worktree.Repo, tasksFile, remote, branch string) *Tracker {
	return &Tracker{cfg: cfg, repo: repo, tasksFile: tasksFile, remote: remote, branch: branch, now: time.Now}
}

func (s *Tracker) Name() string { return pipeline.StageTracker }

func (s *Tracker) Run(ctx context.Context, in *Input) *pipeline.StageResult {
	if !s.cfg.Enabled || s.tasksFile == "" {
		return nil
	}
	taskNo, ok := checks.TaskNumber(in.Task)
	if !ok {
		return nil
	}
	path := resolve(s.repo.Dir(), s.tasksFile)
	date := s.cfg.DateOverride
	if date == "" {
		date = s.now().Format("2006-01-02")
	}

	res := pipeline.Success(s.Name(), in.Task, in.Commit)
	detail := &pipeline.TrackerDetail{File: s.tasksFile}
	withDetail(res, &pipeline.StageDetail{Tracker: detail})

	updated, err := tracker.MarkCompleted(path, taskNo, date)
	if err != nil {
		res.Warnings = append(res.Warnings, "Tracker update failed: "+err.Error())
		return res
	}
	detail.Updated = updated
	if !updated {
		return res
	}

	rel := s.tasksFile
	if r, err := filepath.Rel(s.repo.Dir(), path); err == nil {
		rel = filepath.ToSlash(r)
	}
	committed, err := s.repo.CommitPaths(fmt.Sprintf("docs(tracker): mark %s completed", taskNo), rel)
	if err != nil {
		res.Warnings = append(res.Warnings, "Tracker commit failed: "+err.Error())
		return res
	}
	detail.Committed = committed
	if !committed || !s.cfg.Push {
		return res
	}
	commit, err := s.repo.Push(s.remote, s.branch)
	if err != nil {
		res.Warnings = append(res.Warnings, "Tracker push failed: "+err.Error())
		return res
	}
	s.logf("pushed tracker commit=%s", short(commit))
	return res
}
