package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	b := cfg.Bridge
	if b.Port < 1 || b.Port > 65535 {
		add("bridge.port", "must be between 1 and 65535, got %d", b.Port)
	}
	for field, v := range map[string]int{
		"bridge.poll_interval_seconds":   b.PollIntervalSeconds,
		"bridge.request_timeout_seconds": b.RequestTimeoutSeconds,
		"bridge.result_timeout_seconds":  b.ResultTimeoutSeconds,
	} {
		if v < 0 {
			add(field, "must not be negative")
		}
	}

	s := cfg.Server
	for _, key := range sortedKeys(s.TaskCheckMapping) {
		set := s.TaskCheckMapping[key]
		if _, ok := s.Checks[set]; !ok {
			add("server.task_check_mapping."+key, "references undefined check set %q", set)
		}
	}

	c := cfg.Client
	validateCommandSet("client.local_smoke", c.LocalSmoke, add)
	validateCommandSet("client.post_deploy_smoke", c.PostDeploySmoke, add)

	if c.DynamicSmoke.MaxCommands < 1 {
		add("client.dynamic_smoke.max_commands", "must be at least 1")
	}

	if c.GitHubCI.Enabled && c.GitHubCI.Repo != "" && !strings.Contains(c.GitHubCI.Repo, "/") {
		add("client.github_ci.repo", "must be in owner/repo form, got %q", c.GitHubCI.Repo)
	}

	d := c.Deploy
	if d.Enabled {
		if len(d.Hooks) == 0 && d.HookURL == "" {
			add("client.deploy", "enabled but neither hooks nor hook_url is set")
		}
		for _, key := range sortedKeys(d.TaskDeployMapping) {
			for _, alias := range d.TaskDeployMapping[key] {
				if _, ok := d.Hooks[alias]; !ok {
					add("client.deploy.task_deploy_mapping."+key, "references undefined hook %q", alias)
				}
			}
		}
		if (d.AuthHeaderName == "") != (d.AuthHeaderValue == "") {
			add("client.deploy.auth_header_name", "auth_header_name and auth_header_value must be set together")
		}
	}

	for i, u := range c.RuntimeChecks.URLs {
		prefix := fmt.Sprintf("client.runtime_checks.urls[%d]", i)
		if u.URL == "" {
			add(prefix+".url", "is required")
		} else if parsed, err := url.Parse(u.URL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			add(prefix+".url", "must be an absolute URL, got %q", u.URL)
		}
		if u.ExpectStatus < 100 || u.ExpectStatus > 599 {
			add(prefix+".expect_status", "must be a valid HTTP status, got %d", u.ExpectStatus)
		}
	}

	if c.AutoFix.MaxRetries != nil && (*c.AutoFix.MaxRetries < 0 || *c.AutoFix.MaxRetries > 10) {
		add("client.auto_fix.max_retries", "must be between 0 and 10, got %d", *c.AutoFix.MaxRetries)
	}
	for i, p := range c.AutoFix.Allowlist {
		if strings.TrimSpace(p) == "" || p == "/" || p == "." || p == "./" {
			add(fmt.Sprintf("client.auto_fix.allowlist[%d]", i), "must name a specific path prefix, got %q", p)
		}
	}

	if c.Tracker.Enabled && c.TasksFile == "" {
		add("client.tasks_file", "is required when tracker is enabled")
	}
	if c.Subtasks.Enabled && c.TasksFile == "" {
		add("client.tasks_file", "is required when subtasks is enabled")
	}
	if c.Subtasks.MinCoverage < 0 || c.Subtasks.MinCoverage > 1 {
		add("client.subtasks.min_coverage", "must be between 0 and 1")
	}

	tg := c.Notify.Telegram
	if tg.Enabled && (tg.BotToken == "" || tg.ChatID == "") {
		add("client.notify.telegram", "bot_token and chat_id are required when enabled")
	}

	for _, r := range c.SessionContext.Roles {
		if r != "user" && r != "assistant" {
			add("client.session_context.roles", "unknown role %q", r)
		}
	}

	return errs
}

func validateCommandSet(prefix string, cs CommandSetConfig, add func(string, string, ...any)) {
	for _, key := range sortedKeys(cs.Mapping) {
		set := cs.Mapping[key]
		if _, ok := cs.Checks[set]; !ok {
			add(prefix+".mapping."+key, "references undefined check set %q", set)
		}
	}
	for _, name := range sortedKeys(cs.Checks) {
		if len(cs.Checks[name]) == 0 {
			add(prefix+".checks."+name, "must list at least one command")
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
