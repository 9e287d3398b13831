package stage

import (
	"context"
	"fmt"
	"os"

	"github.com/lucasnoah/taintbridge/internal/checks"
	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
	"github.com/lucasnoah/taintbridge/internal/tracker"
)

// Subtasks checks that the tracker's subtasks for a task are reflected in
// the repository's code.
type Subtasks struct {
	progress
	cfg       config.SubtasksConfig
	repo      string
	tasksFile string
}

// NewSubtasks creates the subtask coverage stage.
func NewSubtasks(cfg config.SubtasksConfig, repo, tasksFile string) *Subtasks {
	return &Subtasks{cfg: cfg, repo: repo, tasksFile: tasksFile}
}

func (s *Subtasks) Name() string { return pipeline.StageSubtasks }

func (s *Subtasks) Run(ctx context.Context, in *Input) *pipeline.StageResult {
	if !s.cfg.Enabled || s.tasksFile == "" {
		return nil
	}
	taskNo, ok := checks.TaskNumber(in.Task)
	if !ok {
		return nil
	}
	data, err := os.ReadFile(resolve(s.repo, s.tasksFile))
	if err != nil {
		return pipeline.Failure(s.Name(), in.Task, in.Commit,
			[]string{fmt.Sprintf("read tasks file: %v", err)},
			"Check client.tasks_file.")
	}
	items := tracker.Subtasks(data, taskNo)
	if len(items) == 0 {
		return nil
	}

	covered, missing, err := tracker.Coverage(s.repo, s.cfg.SearchRoots, items)
	if err != nil {
		return pipeline.Failure(s.Name(), in.Task, in.Commit, []string{fmt.Sprintf("scan repository: %v", err)})
	}
	detail := &pipeline.SubtaskDetail{Total: len(items), Covered: len(covered), Missing: missing}
	if detail.Missing == nil {
		detail.Missing = []string{}
	}
	ratio := float64(len(covered)) / float64(len(items))
	s.logf("[%s] %d/%d subtasks covered", s.Name(), len(covered), len(items))

	if ratio >= s.cfg.MinCoverage {
		res := pipeline.Success(s.Name(), in.Task, in.Commit)
		for _, m := range missing {
			res.Warnings = append(res.Warnings, "Subtask not found in code: "+m)
		}
		return withDetail(res, &pipeline.StageDetail{Subtasks: detail})
	}
	errs := []string{fmt.Sprintf("Subtask coverage %d/%d is below %.0f%%.", len(covered), len(items), s.cfg.MinCoverage*100)}
	for _, m := range missing {
		errs = append(errs, "Subtask not found in code: "+m)
	}
	res := pipeline.Failure(s.Name(), in.Task, in.Commit, errs,
		fmt.Sprintf("Implement the missing subtasks of %s or lower subtasks.min_coverage.", taskNo))
	return withDetail(res, &pipeline.StageDetail{Subtasks: detail})
}
