package stage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lucasnoah/taintbridge/internal/checks"
	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

// legacyHookAlias names the single hook_url target.
const legacyHookAlias = "default"

// Deploy calls the deploy hooks selected for a task.
type Deploy struct {
	progress
	cfg  config.DeployConfig
	http *http.Client
}

// NewDeploy creates the deploy stage. A nil client gets the configured
// request timeout.
func NewDeploy(cfg config.DeployConfig, hc *http.Client) *Deploy {
	if hc == nil {
		hc = &http.Client{Timeout: cfg.RequestTimeout()}
	}
	return &Deploy{cfg: cfg, http: hc}
}

func (s *Deploy) Name() string { return pipeline.StageDeploy }

type deployTarget struct {
	alias string
	url   string
}

// targets picks the hooks for task: the task_deploy_mapping entry for the
// most specific task key, then "default", then a hook named after a keyword
// in the title, then the legacy hook_url.
func (s *Deploy) targets(task string) []deployTarget {
	hooks := map[string]string{}
	for alias, url := range s.cfg.Hooks {
		if url = strings.TrimSpace(url); url != "" {
			hooks[alias] = url
		}
	}
	if len(hooks) == 0 {
		if url := strings.TrimSpace(s.cfg.HookURL); url != "" {
			return []deployTarget{{alias: legacyHookAlias, url: url}}
		}
		return nil
	}

	var aliases []string
	for _, key := range checks.TaskKeys(task) {
		if mapped, ok := s.cfg.TaskDeployMapping[key]; ok {
			aliases = mapped
			break
		}
	}
	if len(aliases) == 0 {
		lowered := strings.ToLower(task)
		if _, ok := hooks["default"]; ok {
			aliases = []string{"default"}
		} else {
			for _, kw := range []string{"api", "web", "platform"} {
				if _, ok := hooks[kw]; ok && strings.Contains(lowered, kw) {
					aliases = []string{kw}
					break
				}
			}
		}
	}

	var targets []deployTarget
	for _, alias := range aliases {
		if url, ok := hooks[alias]; ok {
			targets = append(targets, deployTarget{alias: alias, url: url})
		}
	}
	return targets
}

func (s *Deploy) Run(ctx context.Context, in *Input) *pipeline.StageResult {
	if !s.cfg.Enabled {
		return nil
	}
	targets := s.targets(in.Task)
	if len(targets) == 0 {
		return pipeline.Failure(s.Name(), in.Task, in.Commit,
			[]string{"No deploy hook configured for this task (deploy.hooks or deploy.hook_url)."},
			"Fill in deploy.hooks and deploy.task_deploy_mapping in bridge.yaml.")
	}

	var records []pipeline.DeployTarget
	var errs []string
	for _, t := range targets {
		workflow := "deploy:" + t.alias
		in.Events.Emit(ctx, pipeline.EventRequest{
			EventType: pipeline.EventDeployStatus,
			Workflow:  workflow,
			Status:    "in_progress",
			Message:   workflow + " deploy hook sent.",
		})
		rec := s.call(ctx, t)
		records = append(records, rec)
		s.logf("[deploy] %s status=%d", t.alias, rec.StatusCode)

		if rec.Error != "" {
			errs = append(errs, fmt.Sprintf("Deploy hook failed: %s: %s", t.alias, rec.Error))
			in.Events.Emit(ctx, pipeline.EventRequest{
				EventType:  pipeline.EventDeployStatus,
				Workflow:   workflow,
				Status:     "completed",
				Conclusion: "failure",
				Message:    workflow + " deploy hook failed.",
			})
			continue
		}
		in.Events.Emit(ctx, pipeline.EventRequest{
			EventType:  pipeline.EventDeployStatus,
			Workflow:   workflow,
			Status:     "completed",
			Conclusion: "success",
			Message:    workflow + " deploy hook accepted.",
		})
	}

	if len(errs) > 0 {
		res := pipeline.Failure(s.Name(), in.Task, in.Commit, errs,
			"Check the deploy hook URLs, auth header and task_deploy_mapping.")
		return withDetail(res, &pipeline.StageDetail{Deploy: records})
	}
	return withDetail(pipeline.Success(s.Name(), in.Task, in.Commit), &pipeline.StageDetail{Deploy: records})
}

// call posts an empty body to the hook. Any transport error or status >= 400
// is recorded in the returned target.
func (s *Deploy) call(ctx context.Context, t deployTarget) pipeline.DeployTarget {
	rec := pipeline.DeployTarget{Name: t.alias}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, http.NoBody)
	if err != nil {
		rec.Error = err.Error()
		return rec
	}
	if name, value := strings.TrimSpace(s.cfg.AuthHeaderName), strings.TrimSpace(s.cfg.AuthHeaderValue); name != "" && value != "" {
		req.Header.Set(name, value)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		// hook URLs usually embed a deploy token
		rec.Error = strings.ReplaceAll(err.Error(), t.url, t.alias+" hook")
		return rec
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	rec.StatusCode = resp.StatusCode
	if resp.StatusCode >= 400 {
		rec.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return rec
}
