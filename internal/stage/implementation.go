package stage

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/lucasnoah/taintbridge/internal/checks"
	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
	"github.com/lucasnoah/taintbridge/internal/tracker"
)

// Implementation verifies that the paths a task is expected to create exist
// in the working tree.
type Implementation struct {
	progress
	cfg  config.ImplementationConfig
	repo string
}

// NewImplementation creates the implementation-presence stage.
func NewImplementation(cfg config.ImplementationConfig, repo string) *Implementation {
	return &Implementation{cfg: cfg, repo: repo}
}

func (s *Implementation) Name() string { return pipeline.StageImplementation }

// Run skips unnumbered tasks. Explicit expected_paths for the most specific
// task key win over the module root templates.
func (s *Implementation) Run(ctx context.Context, in *Input) *pipeline.StageResult {
	if !s.cfg.Enabled {
		return nil
	}
	taskNo, ok := checks.TaskNumber(in.Task)
	if !ok {
		return nil
	}
	templates := s.cfg.ModuleRoots
	for _, key := range checks.TaskKeys(in.Task) {
		if paths, ok := s.cfg.ExpectedPaths[key]; ok && len(paths) > 0 {
			templates = paths
			break
		}
	}

	detail := &pipeline.ImplementationDetail{Expected: []string{}, Found: []string{}, Missing: []string{}}
	for _, tmpl := range templates {
		if strings.Contains(tmpl, "{slug}") && tracker.Slug(in.Task) == "" {
			continue
		}
		p := tracker.Expand(tmpl, in.Task)
		detail.Expected = append(detail.Expected, p)
		if _, err := os.Stat(resolve(s.repo, p)); err != nil {
			detail.Missing = append(detail.Missing, p)
			continue
		}
		detail.Found = append(detail.Found, p)
	}
	if len(detail.Expected) == 0 {
		return nil
	}
	s.logf("[%s] %d/%d expected paths present", s.Name(), len(detail.Found), len(detail.Expected))

	if len(detail.Missing) == 0 {
		res := pipeline.Success(s.Name(), in.Task, in.Commit)
		return withDetail(res, &pipeline.StageDetail{Implementation: detail})
	}
	errs := make([]string, 0, len(detail.Missing))
	for _, p := range detail.Missing {
		errs = append(errs, "Expected implementation path missing: "+p)
	}
	res := pipeline.Failure(s.Name(), in.Task, in.Commit, errs,
		fmt.Sprintf("Create the files task %s is expected to add, or fix implementation.expected_paths.", taskNo))
	return withDetail(res, &pipeline.StageDetail{Implementation: detail})
}
