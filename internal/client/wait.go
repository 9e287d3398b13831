package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

// Terminal reports whether a job snapshot will not change again.
func Terminal(job *pipeline.Job) bool {
	if job == nil {
		return false
	}
	if job.Stage.Terminal() {
		return true
	}
	switch job.Status {
	case pipeline.StatusSuccess, pipeline.StatusFailure, pipeline.StatusError:
		return true
	}
	return false
}

// WaitForResult polls the job's snapshot every interval until it is terminal
// or timeout elapses. Pending replies and transient transport errors keep
// the loop going; a declined secret ends it immediately.
func (c *Client) WaitForResult(ctx context.Context, jobID string, interval, timeout time.Duration) (*pipeline.Job, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	var last *pipeline.Job

	for {
		job, err := c.Result(ctx, jobID)
		switch {
		case err == nil:
			if Terminal(job) {
				c.logf("result received: %s", job.Status)
				return job, nil
			}
			if last == nil || last.Stage != job.Stage {
				c.logf("job %s %s", jobID, job.Stage)
			}
			last = job
		case errors.Is(err, ErrPending):
		case errors.Is(err, ErrUnauthorized):
			return nil, err
		default:
			c.logf("result poll failed: %v", err)
		}

		if !time.Now().Add(interval).Before(deadline) {
			return last, fmt.Errorf("%w: no result for job %s after %s", ErrTimeout, jobID, timeout)
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(interval):
		}
	}
}
