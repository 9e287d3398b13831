package stage

import (
	"context"
	"fmt"

	"github.com/lucasnoah/taintbridge/internal/pipeline"
	"github.com/lucasnoah/taintbridge/internal/worktree"
)

// Push publishes HEAD and hands the pushed commit to the later stages.
type Push struct {
	progress
	repo   *worktree.Repo
	remote string
	branch string
}

// NewPush creates the push stage.
func NewPush(repo *worktree.Repo, remote, branch string) *Push {
	return &Push{repo: repo, remote: remote, branch: branch}
}

func (s *Push) Name() string { return pipeline.StagePush }

// Run always runs; on success in.Commit holds the pushed hash.
func (s *Push) Run(ctx context.Context, in *Input) *pipeline.StageResult {
	commit, err := s.repo.Push(s.remote, s.branch)
	if err != nil {
		return pipeline.Failure(s.Name(), in.Task, in.Commit, []string{err.Error()},
			fmt.Sprintf("Resolve the push to %s/%s (auth, non-fast-forward) and retry.", s.remote, s.branch))
	}
	in.Commit = commit
	s.logf("pushed commit=%s", short(commit))

	res := pipeline.Success(s.Name(), in.Task, commit)
	return withDetail(res, &pipeline.StageDetail{Push: &pipeline.PushDetail{
		Remote: s.remote,
		Branch: s.branch,
		Commit: commit,
	}})
}

func short(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
