package stage

import (
	"context"
	"errors"

	"github.com/lucasnoah/taintbridge/internal/client"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

// Preflight greets the verification host before anything is pushed. An
// unreachable host or a declined secret fails the attempt; a host whose
// agent is degraded only produces a warning.
type Preflight struct {
	progress
	client *client.Client
}

// NewPreflight creates the preflight stage.
func NewPreflight(c *client.Client) *Preflight {
	return &Preflight{client: c}
}

func (s *Preflight) Name() string { return pipeline.StagePreflight }

func (s *Preflight) Run(ctx context.Context, in *Input) *pipeline.StageResult {
	var warnings []string
	reply, err := s.client.Hello(ctx, "laptop")
	switch {
	case err == nil:
		s.logf("hello: %s", reply.Message)
		if reply.Reply != nil {
			s.logf("server %s: %s", reply.ReplySource, *reply.Reply)
		}
	case errors.Is(err, client.ErrDegraded):
		warnings = append(warnings, "Bridge server is reachable but its agent is unavailable: "+err.Error())
	default:
		return pipeline.Failure(s.Name(), in.Task, in.Commit,
			[]string{"Bridge server preflight failed: " + err.Error()},
			"Start the bridge server (bridge serve) and check bridge.host and bridge.port.",
			"Run bridge doctor for details.")
	}

	// hello is unauthenticated; the job has not been triggered yet, so an
	// accepted secret answers pending.
	if _, err := s.client.Result(ctx, in.JobID); err != nil && !errors.Is(err, client.ErrPending) {
		suggestion := "Run bridge doctor for details."
		if errors.Is(err, client.ErrUnauthorized) {
			suggestion = "Both hosts must use the same bridge.shared_secret."
		}
		return pipeline.Failure(s.Name(), in.Task, in.Commit,
			[]string{"Bridge server preflight failed: " + err.Error()}, suggestion)
	}

	res := pipeline.Success(s.Name(), in.Task, in.Commit)
	res.Warnings = append(res.Warnings, warnings...)
	return res
}
