package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

// Sentinel errors for bridge protocol failures.
var (
	ErrUnreachable  = errors.New("bridge server unreachable")
	ErrUnauthorized = errors.New("bridge server declined the shared secret")
	ErrDegraded     = errors.New("bridge server degraded")
	ErrPending      = errors.New("result pending")
	ErrTimeout      = errors.New("timed out waiting for bridge server")
)

// HTTPError is a non-2xx reply that none of the sentinels describe.
type HTTPError struct {
	Code int
	Body string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("bridge server returned %d: %s", e.Code, e.Body)
}

// Client speaks the trigger/result/event protocol to the verification host.
type Client struct {
	baseURL  string
	secret   string
	http     *http.Client
	progress io.Writer // live progress output; nil = silent
}

// New creates a Client. Every request is bounded by timeout.
func New(baseURL, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetProgress sets a writer for live progress lines.
func (c *Client) SetProgress(w io.Writer) {
	c.progress = w
}

func (c *Client) logf(format string, args ...any) {
	if c.progress != nil {
		fmt.Fprintf(c.progress, "  → "+format+"\n", args...)
	}
}

// Health probes the unauthenticated health endpoint.
func (c *Client) Health(ctx context.Context) error {
	var reply pipeline.StatusReply
	_, err := c.do(ctx, http.MethodGet, "/health", nil, &reply, false)
	return err
}

// Hello sends the liveness greeting. A 503 reply is returned together with
// ErrDegraded: the host is up but its agent is not.
func (c *Client) Hello(ctx context.Context, side string) (*pipeline.HelloReply, error) {
	var reply pipeline.HelloReply
	code, err := c.do(ctx, http.MethodGet, "/hello?side="+url.QueryEscape(side), nil, &reply, true)
	if code == http.StatusServiceUnavailable {
		return &reply, fmt.Errorf("%w: %s", ErrDegraded, firstNonEmpty(reply.Error, reply.ReplySource))
	}
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// Trigger asks the server to start verifying a commit. A zero Timestamp is
// set to the current time.
func (c *Client) Trigger(ctx context.Context, req pipeline.TriggerRequest) (*pipeline.TriggerAck, error) {
	if req.Timestamp == 0 {
		req.Timestamp = time.Now().Unix()
	}
	var ack pipeline.TriggerAck
	if _, err := c.do(ctx, http.MethodPost, "/trigger", req, &ack, true); err != nil {
		return nil, fmt.Errorf("trigger %s: %w", req.JobID, err)
	}
	return &ack, nil
}

// SendEvent appends one event to a job's timeline.
func (c *Client) SendEvent(ctx context.Context, req pipeline.EventRequest) (*pipeline.EventAck, error) {
	var ack pipeline.EventAck
	if _, err := c.do(ctx, http.MethodPost, "/event", req, &ack, true); err != nil {
		return nil, fmt.Errorf("event %s: %w", req.EventType, err)
	}
	return &ack, nil
}

// Result fetches the latest job snapshot. ErrPending means the server has
// not written one yet.
func (c *Client) Result(ctx context.Context, jobID string) (*pipeline.Job, error) {
	var job pipeline.Job
	code, err := c.do(ctx, http.MethodGet, "/result?job_id="+url.QueryEscape(jobID), nil, &job, true)
	if code == http.StatusNotFound {
		return nil, ErrPending
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Events fetches a job's ordered timeline.
func (c *Client) Events(ctx context.Context, jobID string) ([]pipeline.Event, error) {
	var reply pipeline.EventsReply
	if _, err := c.do(ctx, http.MethodGet, "/events?job_id="+url.QueryEscape(jobID), nil, &reply, true); err != nil {
		return nil, fmt.Errorf("events %s: %w", jobID, err)
	}
	if reply.Events == nil {
		reply.Events = []pipeline.Event{}
	}
	return reply.Events, nil
}

// do performs one request and decodes the reply body into out. The status
// code is returned even when err is non-nil so callers can tell 404 and 503
// apart from other failures.
func (c *Client) do(ctx context.Context, method, path string, body, out any, auth bool) (int, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth && c.secret != "" {
		req.Header.Set(pipeline.TokenHeader, c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, classifyError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if len(bytes.TrimSpace(data)) > 0 && out != nil {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < 300 {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return resp.StatusCode, ErrUnauthorized
	case resp.StatusCode >= 300:
		return resp.StatusCode, &HTTPError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return resp.StatusCode, nil
}

// classifyError maps transport failures to ErrTimeout or ErrUnreachable.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
