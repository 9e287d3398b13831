package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validConfig = `
bridge:
  host: 10.0.0.5
  port: 9000
  shared_secret: ${BRIDGE_TEST_SECRET}
server:
  workdir: /srv/app
  checks:
    api:
      - "pnpm --filter api test"
    default:
      - "pnpm test"
  task_check_mapping:
    "2.11": api
client:
  tasks_file: docs/tasks.md
  local_smoke:
    checks:
      api:
        - "pnpm --filter api build"
    mapping:
      "2.x": api
  deploy:
    enabled: true
    hooks:
      api: https://deploy.example.com/api
      web: https://deploy.example.com/web
    task_deploy_mapping:
      "2.11": api
      "3.x": [api, web]
  runtime_checks:
    enabled: true
    urls:
      - url: https://api.example.com/health
  auto_fix:
    enabled: true
    max_retries: 0
  tracker:
    enabled: true
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Setenv("BRIDGE_TEST_SECRET", "from-env")
	cfg, err := Load(writeTestConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Bridge.Host != "10.0.0.5" {
		t.Errorf("Host = %q, want %q", cfg.Bridge.Host, "10.0.0.5")
	}
	if cfg.Bridge.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Bridge.Port)
	}
	if cfg.Bridge.SharedSecret != "from-env" {
		t.Errorf("SharedSecret = %q, want %q (from env)", cfg.Bridge.SharedSecret, "from-env")
	}
	if got := cfg.Bridge.BaseURL(); got != "http://10.0.0.5:9000" {
		t.Errorf("BaseURL() = %q, want %q", got, "http://10.0.0.5:9000")
	}
	if cfg.Server.TaskCheckMapping["2.11"] != "api" {
		t.Errorf("TaskCheckMapping[2.11] = %q, want %q", cfg.Server.TaskCheckMapping["2.11"], "api")
	}

	errs := Validate(cfg)
	if len(errs) != 0 {
		t.Errorf("Validate() returned %d errors for valid config:", len(errs))
		for _, e := range errs {
			t.Errorf("  - %s", e)
		}
	}
}

func TestDefaultsApplied(t *testing.T) {
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if cfg.Bridge.Host != "127.0.0.1" || cfg.Bridge.Port != 8787 {
		t.Errorf("bridge = %s:%d, want 127.0.0.1:8787", cfg.Bridge.Host, cfg.Bridge.Port)
	}
	if cfg.Bridge.ResultTimeoutSeconds != 900 {
		t.Errorf("ResultTimeoutSeconds = %d, want 900", cfg.Bridge.ResultTimeoutSeconds)
	}
	if cfg.Client.Remote != "origin" || cfg.Client.Branch != "main" {
		t.Errorf("remote/branch = %q/%q, want origin/main", cfg.Client.Remote, cfg.Client.Branch)
	}
	if cfg.Client.GitHubCI.PollIntervalSeconds != cfg.Bridge.PollIntervalSeconds {
		t.Errorf("GitHubCI.PollIntervalSeconds = %d, want bridge poll %d",
			cfg.Client.GitHubCI.PollIntervalSeconds, cfg.Bridge.PollIntervalSeconds)
	}
	if cfg.Client.DynamicSmoke.MaxCommands != 4 {
		t.Errorf("DynamicSmoke.MaxCommands = %d, want 4", cfg.Client.DynamicSmoke.MaxCommands)
	}
	if cfg.Server.Agent.Binary != "codex" {
		t.Errorf("Server.Agent.Binary = %q, want %q", cfg.Server.Agent.Binary, "codex")
	}
	if got := cfg.Client.SessionContext.Roles; len(got) != 2 {
		t.Errorf("SessionContext.Roles = %v, want [user assistant]", got)
	}

	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("defaults should validate, got %v", errs)
	}
}

func TestRuntimeURLDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
client:
  runtime_checks:
    urls:
      - url: http://localhost:3000/health
      - name: web
        url: http://localhost:3001/
        expect_status: 204
`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	urls := cfg.Client.RuntimeChecks.URLs
	if urls[0].Name != "http://localhost:3000/health" || urls[0].ExpectStatus != 200 {
		t.Errorf("urls[0] = %+v, want name=url expect=200", urls[0])
	}
	if urls[1].Name != "web" || urls[1].ExpectStatus != 204 {
		t.Errorf("urls[1] = %+v, want name=web expect=204", urls[1])
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	_, err := Parse([]byte(`
bridge:
  prot: 8787
`))
	if err == nil {
		t.Fatal("Parse() expected error for unknown key, got nil")
	}
	if !strings.Contains(err.Error(), "prot") {
		t.Errorf("error = %v, want mention of %q", err, "prot")
	}
}

func TestEnvExpansionOnlyWholeValues(t *testing.T) {
	t.Setenv("BRIDGE_TEST_PORT", "9100")
	cfg, err := Parse([]byte(`
bridge:
  port: ${BRIDGE_TEST_PORT}
  state_dir: prefix-${BRIDGE_TEST_PORT}
`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if cfg.Bridge.Port != 9100 {
		t.Errorf("Port = %d, want 9100", cfg.Bridge.Port)
	}
	if cfg.Bridge.StateDir != "prefix-${BRIDGE_TEST_PORT}" {
		t.Errorf("StateDir = %q, want literal", cfg.Bridge.StateDir)
	}
}

func TestStringListForms(t *testing.T) {
	cfg, err := Parse([]byte(`
client:
  deploy:
    task_deploy_mapping:
      "2.11": api
      "3.x": [api, web]
`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	m := cfg.Client.Deploy.TaskDeployMapping
	if len(m["2.11"]) != 1 || m["2.11"][0] != "api" {
		t.Errorf("mapping[2.11] = %v, want [api]", m["2.11"])
	}
	if len(m["3.x"]) != 2 || m["3.x"][1] != "web" {
		t.Errorf("mapping[3.x] = %v, want [api web]", m["3.x"])
	}
}

func TestAutoFixAttempts(t *testing.T) {
	zero, five, neg := 0, 5, -1
	tests := []struct {
		name string
		cfg  AutoFixConfig
		want int
	}{
		{"disabled", AutoFixConfig{Enabled: false, MaxRetries: &five}, 1},
		{"default retries", AutoFixConfig{Enabled: true}, 3},
		{"zero retries", AutoFixConfig{Enabled: true, MaxRetries: &zero}, 1},
		{"five retries", AutoFixConfig{Enabled: true, MaxRetries: &five}, 6},
		{"negative clamps", AutoFixConfig{Enabled: true, MaxRetries: &neg}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Attempts(); got != tt.want {
				t.Errorf("Attempts() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name:  "port out of range",
			yaml:  "bridge:\n  port: 70000\n",
			field: "bridge.port",
		},
		{
			name:  "server mapping to missing set",
			yaml:  "server:\n  checks:\n    api: [\"true\"]\n  task_check_mapping:\n    \"2.1\": web\n",
			field: "server.task_check_mapping.2.1",
		},
		{
			name:  "local smoke mapping to missing set",
			yaml:  "client:\n  local_smoke:\n    mapping:\n      \"2.x\": api\n",
			field: "client.local_smoke.mapping.2.x",
		},
		{
			name:  "deploy alias not in hooks",
			yaml:  "client:\n  deploy:\n    enabled: true\n    hooks:\n      api: http://h/api\n    task_deploy_mapping:\n      \"2.1\": web\n",
			field: "client.deploy.task_deploy_mapping.2.1",
		},
		{
			name:  "runtime url missing",
			yaml:  "client:\n  runtime_checks:\n    urls:\n      - name: api\n",
			field: "client.runtime_checks.urls[0].url",
		},
		{
			name:  "runtime expect status invalid",
			yaml:  "client:\n  runtime_checks:\n    urls:\n      - url: http://h/health\n        expect_status: 42\n",
			field: "client.runtime_checks.urls[0].expect_status",
		},
		{
			name:  "max retries too large",
			yaml:  "client:\n  auto_fix:\n    max_retries: 50\n",
			field: "client.auto_fix.max_retries",
		},
		{
			name:  "tracker without tasks file",
			yaml:  "client:\n  tracker:\n    enabled: true\n",
			field: "client.tasks_file",
		},
		{
			name:  "telegram without token",
			yaml:  "client:\n  notify:\n    telegram:\n      enabled: true\n      chat_id: \"1\"\n",
			field: "client.notify.telegram",
		},
		{
			name:  "allowlist root",
			yaml:  "client:\n  auto_fix:\n    allowlist: [\"/\"]\n",
			field: "client.auto_fix.allowlist[0]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse() error: %v", err)
			}
			errs := Validate(cfg)
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("Validate() = %v, want error on field %q", errs, tt.field)
			}
		})
	}
}

func TestLoadDefaultFromEnv(t *testing.T) {
	path := writeTestConfig(t, "bridge:\n  port: 9999\n")
	t.Setenv(EnvConfigPath, path)
	cfg, found, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error: %v", err)
	}
	if found != path {
		t.Errorf("path = %q, want %q", found, path)
	}
	if cfg.Bridge.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Bridge.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}
