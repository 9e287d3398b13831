package stage

import (
	"context"
	"errors"
	"time"

	"github.com/lucasnoah/taintbridge/internal/client"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

// SessionFunc returns the session excerpt sent with the trigger; nil means
// none.
type SessionFunc func() *pipeline.SessionContext

// Review hands the pushed commit to the verification host and waits for its
// terminal job snapshot.
type Review struct {
	progress
	client   *client.Client
	session  SessionFunc
	interval time.Duration
	timeout  time.Duration
}

// NewReview creates the remote review stage.
func NewReview(c *client.Client, session SessionFunc, interval, timeout time.Duration) *Review {
	return &Review{client: c, session: session, interval: interval, timeout: timeout}
}

func (s *Review) Name() string { return pipeline.StageReview }

func (s *Review) Run(ctx context.Context, in *Input) *pipeline.StageResult {
	req := pipeline.TriggerRequest{
		Task:      in.Task,
		Commit:    in.Commit,
		JobID:     in.JobID,
		Timestamp: time.Now().Unix(),
	}
	if s.session != nil {
		req.SessionContext = s.session()
		if sc := req.SessionContext; sc != nil && sc.Excerpt != "" {
			s.logf("session context loaded (%d messages)", sc.MessageCount)
		}
	}
	if _, err := s.client.Trigger(ctx, req); err != nil {
		res := pipeline.Failure(s.Name(), in.Task, in.Commit,
			[]string{"Bridge server trigger failed: " + err.Error()},
			"Run bridge doctor to check the connection.")
		res.JobID = in.JobID
		return res
	}
	s.logf("server checks queued job=%s", in.JobID)

	job, err := s.client.WaitForResult(ctx, in.JobID, s.interval, s.timeout)
	if err != nil {
		msg := "Bridge server result wait failed: " + err.Error()
		if errors.Is(err, client.ErrTimeout) {
			msg = "Bridge server result timeout."
		}
		res := pipeline.Failure(s.Name(), in.Task, in.Commit, []string{msg},
			"Check the bridge server logs.")
		res.JobID = in.JobID
		return res
	}
	return pipeline.FromJob(s.Name(), job)
}
