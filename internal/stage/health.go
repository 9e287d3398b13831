package stage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

// Health polls the runtime health URLs until each returns its expected
// status or the timeout elapses.
type Health struct {
	progress
	cfg  config.RuntimeChecksConfig
	http *http.Client

	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// NewHealth creates the runtime health stage. A nil client gets the
// configured request timeout.
func NewHealth(cfg config.RuntimeChecksConfig, hc *http.Client) *Health {
	if hc == nil {
		hc = &http.Client{Timeout: cfg.RequestTimeout()}
	}
	return &Health{
		cfg:      cfg,
		http:     hc,
		interval: cfg.PollInterval(),
		timeout:  cfg.Timeout(),
		now:      time.Now,
	}
}

// SetPollInterval overrides the poll interval (for testing).
func (s *Health) SetPollInterval(d time.Duration) {
	s.interval = d
}

func (s *Health) Name() string { return pipeline.StageHealth }

func (s *Health) Run(ctx context.Context, in *Input) *pipeline.StageResult {
	if !s.cfg.Enabled {
		return nil
	}
	var probes []*pipeline.HealthProbe
	for _, u := range s.cfg.URLs {
		if strings.TrimSpace(u.URL) == "" {
			continue
		}
		probes = append(probes, &pipeline.HealthProbe{Name: u.Name, URL: u.URL, ExpectStatus: u.ExpectStatus})
	}
	if len(probes) == 0 {
		return nil
	}
	for _, p := range probes {
		in.Events.Emit(ctx, pipeline.EventRequest{
			EventType: pipeline.EventRuntime,
			Workflow:  p.Name,
			Status:    "queued",
			Message:   p.Name + " health check started.",
		})
	}

	deadline := s.now().Add(s.timeout)
	pending := len(probes)
poll:
	for pending > 0 {
		for _, p := range probes {
			if p.OK {
				continue
			}
			s.probe(ctx, p)
			if !p.OK {
				continue
			}
			pending--
			in.Events.Emit(ctx, pipeline.EventRequest{
				EventType:  pipeline.EventRuntime,
				Workflow:   p.Name,
				Status:     "completed",
				Conclusion: "success",
				Message:    fmt.Sprintf("%s OK (%d)", p.Name, p.LastStatus),
			})
			s.logf("[health] %s ok after %d attempts", p.Name, p.Attempts)
		}
		if pending == 0 || !s.now().Add(s.interval).Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			break poll
		case <-time.After(s.interval):
		}
	}

	detail := make([]pipeline.HealthProbe, 0, len(probes))
	var errs []string
	for _, p := range probes {
		detail = append(detail, *p)
		if p.OK {
			continue
		}
		reason := p.Error
		if reason == "" {
			reason = "timeout"
		}
		errs = append(errs, fmt.Sprintf("Runtime health check failed: %s: %s", p.Name, reason))
		in.Events.Emit(ctx, pipeline.EventRequest{
			EventType:  pipeline.EventRuntime,
			Workflow:   p.Name,
			Status:     "completed",
			Conclusion: "failure",
			Message:    p.Name + " runtime check timed out or failed.",
		})
	}
	if len(errs) > 0 {
		res := pipeline.Failure(s.Name(), in.Task, in.Commit, errs,
			"Check the deploy logs and the health endpoints.")
		return withDetail(res, &pipeline.StageDetail{Health: detail})
	}
	return withDetail(pipeline.Success(s.Name(), in.Task, in.Commit), &pipeline.StageDetail{Health: detail})
}

func (s *Health) probe(ctx context.Context, p *pipeline.HealthProbe) {
	p.Attempts++
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		p.Error = err.Error()
		return
	}
	resp, err := s.http.Do(req)
	if err != nil {
		p.Error = err.Error()
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	p.LastStatus = resp.StatusCode
	if resp.StatusCode == p.ExpectStatus {
		p.OK = true
		p.Error = ""
		return
	}
	p.Error = fmt.Sprintf("unexpected status %d, expected %d", resp.StatusCode, p.ExpectStatus)
}
