package client

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

// Emitter sends timeline events for one job. Sending is fire-and-forget:
// failures are logged, never returned.
type Emitter struct {
	client *Client
	jobID  string
	task   string
	commit string
	redact *pipeline.Redactor
	out    io.Writer

	mu   sync.Mutex
	sent map[string]bool
}

// NewEmitter creates an Emitter. A nil client makes every Emit a no-op.
func NewEmitter(c *Client, jobID, task, commit string, redact *pipeline.Redactor, out io.Writer) *Emitter {
	return &Emitter{
		client: c,
		jobID:  jobID,
		task:   task,
		commit: commit,
		redact: redact,
		out:    out,
		sent:   map[string]bool{},
	}
}

// JobID returns the job the emitter reports for.
func (e *Emitter) JobID() string {
	if e == nil {
		return ""
	}
	return e.jobID
}

// Emit sends req with the job, task and commit filled in and the message
// redacted. The server's ack is printed when an output writer is set.
func (e *Emitter) Emit(ctx context.Context, req pipeline.EventRequest) {
	if e == nil || e.client == nil {
		return
	}
	req.JobID = e.jobID
	if req.Task == "" {
		req.Task = e.task
	}
	if req.Commit == "" {
		req.Commit = e.commit
	}
	req.Message = e.redact.Redact(req.Message)

	ack, err := e.client.SendEvent(ctx, req)
	if err != nil {
		slog.Warn("bridge event failed", "job_id", e.jobID, "type", req.EventType, "error", e.redact.Redact(err.Error()))
		return
	}
	if e.out != nil && strings.TrimSpace(ack.Ack) != "" {
		io.WriteString(e.out, "[server] "+ack.Ack+"\n")
	}
}

// EmitOnce sends req only the first time key is seen by this emitter.
func (e *Emitter) EmitOnce(ctx context.Context, key string, req pipeline.EventRequest) bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	if e.sent[key] {
		e.mu.Unlock()
		return false
	}
	e.sent[key] = true
	e.mu.Unlock()

	e.Emit(ctx, req)
	return true
}
