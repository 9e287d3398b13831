package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the config search when set.
const EnvConfigPath = "BRIDGE_CONFIG_PATH"

var envToken = regexp.MustCompile(`^\$\{([A-Z0-9_]+)\}$`)

// Load reads and parses a bridge configuration from the given YAML file path.
// Scalar values of the exact form ${NAME} are replaced from the environment.
// Unknown keys are rejected. Defaults are applied after parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes into a Config with defaults applied.
func Parse(data []byte) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	var cfg Config
	if root.Kind != 0 {
		expandEnv(&root)
		expanded, err := yaml.Marshal(&root)
		if err != nil {
			return nil, fmt.Errorf("re-encoding config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a bridge config in standard locations and loads the
// first one found. Search order: $BRIDGE_CONFIG_PATH, ./bridge.yaml,
// ./bridge/bridge.yaml, ~/.bridge/config.yaml
func LoadDefault() (*Config, string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		cfg, err := Load(p)
		return cfg, p, err
	}

	candidates := []string{"bridge.yaml", filepath.Join("bridge", "bridge.yaml")}
	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".bridge", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}

	return nil, "", fmt.Errorf("no bridge config found (searched: %v)", candidates)
}

func expandEnv(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode {
		if m := envToken.FindStringSubmatch(n.Value); m != nil {
			n.Value = os.Getenv(m[1])
			n.Tag = ""
			n.Style = 0
		}
		return
	}
	for _, c := range n.Content {
		expandEnv(c)
	}
}

// applyDefaults fills every zero value that has a documented default.
func applyDefaults(cfg *Config) {
	b := &cfg.Bridge
	if b.Host == "" {
		b.Host = "127.0.0.1"
	}
	if b.Port == 0 {
		b.Port = 8787
	}
	if b.StateDir == "" {
		b.StateDir = ".bridge-state"
	}
	if b.PollIntervalSeconds == 0 {
		b.PollIntervalSeconds = 5
	}
	if b.RequestTimeoutSeconds == 0 {
		b.RequestTimeoutSeconds = 15
	}
	if b.ResultTimeoutSeconds == 0 {
		b.ResultTimeoutSeconds = 900
	}
	if b.WatchJoinSeconds == 0 {
		b.WatchJoinSeconds = 2
	}

	s := &cfg.Server
	if s.Workdir == "" {
		s.Workdir = "."
	}
	if s.Mode == "" {
		s.Mode = "runtime_inspector"
	}
	if s.CheckTimeoutSeconds == 0 {
		s.CheckTimeoutSeconds = 1200
	}
	agentDefaults(&s.Agent, 300)

	c := &cfg.Client
	if c.RepoPath == "" {
		c.RepoPath = "."
	}
	if c.Remote == "" {
		c.Remote = "origin"
	}
	if c.Branch == "" {
		c.Branch = "main"
	}
	agentDefaults(&c.Agent, 900)
	if len(c.Implementation.ModuleRoots) == 0 {
		c.Implementation.ModuleRoots = []string{"apps/api/src/modules/{slug}/"}
	}
	if c.Subtasks.MinCoverage == 0 {
		c.Subtasks.MinCoverage = 1.0
	}
	if len(c.Subtasks.SearchRoots) == 0 {
		c.Subtasks.SearchRoots = []string{"apps", "packages"}
	}
	if c.DynamicSmoke.MaxCommands == 0 {
		c.DynamicSmoke.MaxCommands = 4
	}
	if c.DynamicSmoke.TimeoutSeconds == 0 {
		c.DynamicSmoke.TimeoutSeconds = c.Agent.TimeoutSeconds
	}

	a := &c.SmokeAuth
	if a.RegisterPath == "" {
		a.RegisterPath = "/api/auth/register"
	}
	if a.Password == "" {
		a.Password = "Password123!"
	}
	if a.EmailPrefix == "" {
		a.EmailPrefix = "bridge-smoke"
	}
	if a.EmailDomain == "" {
		a.EmailDomain = "example.com"
	}
	if a.FullName == "" {
		a.FullName = "Bridge Smoke Admin"
	}
	if a.DatabaseURLEnv == "" {
		a.DatabaseURLEnv = "DATABASE_URL"
	}
	if a.TenantQuery == "" {
		a.TenantQuery = "select id::text from tenants where deleted_at is null order by created_at desc limit 1"
	}

	g := &c.GitHubCI
	if g.TimeoutSeconds == 0 {
		g.TimeoutSeconds = 1800
	}
	if g.PollIntervalSeconds == 0 {
		g.PollIntervalSeconds = b.PollIntervalSeconds
	}
	if g.NoRunGraceSeconds == 0 {
		g.NoRunGraceSeconds = 45
	}

	if c.Deploy.RequestTimeoutSeconds == 0 {
		c.Deploy.RequestTimeoutSeconds = b.RequestTimeoutSeconds
	}

	r := &c.RuntimeChecks
	if r.TimeoutSeconds == 0 {
		r.TimeoutSeconds = 300
	}
	if r.PollIntervalSeconds == 0 {
		r.PollIntervalSeconds = 5
	}
	if r.RequestTimeoutSeconds == 0 {
		r.RequestTimeoutSeconds = b.RequestTimeoutSeconds
	}
	for i := range r.URLs {
		if r.URLs[i].ExpectStatus == 0 {
			r.URLs[i].ExpectStatus = 200
		}
		if r.URLs[i].Name == "" {
			r.URLs[i].Name = r.URLs[i].URL
		}
	}

	f := &c.AutoFix
	if f.TimeoutSeconds == 0 {
		f.TimeoutSeconds = c.Agent.TimeoutSeconds
	}
	if len(f.Allowlist) == 0 {
		f.Allowlist = []string{"apps/api/src/modules/{slug}/"}
	}

	if c.Notify.Telegram.APIBase == "" {
		c.Notify.Telegram.APIBase = "https://api.telegram.org"
	}

	sc := &c.SessionContext
	if sc.SessionsRoot == "" {
		sc.SessionsRoot = "~/.codex/sessions"
	}
	if sc.MaxMessages == 0 {
		sc.MaxMessages = 12
	}
	if sc.MaxChars == 0 {
		sc.MaxChars = 4000
	}
	if len(sc.Roles) == 0 {
		sc.Roles = []string{"user", "assistant"}
	}
}

func agentDefaults(a *AgentConfig, timeout int) {
	if a.Binary == "" {
		a.Binary = "codex"
	}
	if a.TimeoutSeconds == 0 {
		a.TimeoutSeconds = timeout
	}
	if a.HelloTimeoutSeconds == 0 {
		a.HelloTimeoutSeconds = 20
	}
}
