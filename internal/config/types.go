package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level structure parsed from bridge.yaml. Both hosts read
// the same file shape; each uses the sections relevant to its role.
type Config struct {
	Bridge BridgeConfig `yaml:"bridge"`
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

// BridgeConfig holds the settings shared by both hosts.
type BridgeConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	SharedSecret          string `yaml:"shared_secret"`
	StateDir              string `yaml:"state_dir"`
	PollIntervalSeconds   int    `yaml:"poll_interval_seconds"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	ResultTimeoutSeconds  int    `yaml:"result_timeout_seconds"`
	WatchJoinSeconds      int    `yaml:"watch_join_seconds"`
}

// BaseURL is the verification host's address as seen from the client.
func (b BridgeConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", b.Host, b.Port)
}

func (b BridgeConfig) PollInterval() time.Duration   { return seconds(b.PollIntervalSeconds) }
func (b BridgeConfig) RequestTimeout() time.Duration { return seconds(b.RequestTimeoutSeconds) }
func (b BridgeConfig) ResultTimeout() time.Duration  { return seconds(b.ResultTimeoutSeconds) }
func (b BridgeConfig) WatchJoin() time.Duration      { return seconds(b.WatchJoinSeconds) }

// ServerConfig is read by the verification host.
type ServerConfig struct {
	Workdir             string              `yaml:"workdir"`
	Mode                string              `yaml:"mode"`
	CheckTimeoutSeconds int                 `yaml:"check_timeout_seconds"`
	Checks              map[string][]string `yaml:"checks"`
	TaskCheckMapping    map[string]string   `yaml:"task_check_mapping"`
	ServiceNamePatterns map[string][]string `yaml:"service_name_patterns"`
	Agent               AgentConfig         `yaml:"agent"`
}

func (s ServerConfig) CheckTimeout() time.Duration { return seconds(s.CheckTimeoutSeconds) }

// AgentConfig describes the external agent CLI.
type AgentConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Binary              string `yaml:"binary"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
	HelloTimeoutSeconds int    `yaml:"hello_timeout_seconds"`
}

func (a AgentConfig) Timeout() time.Duration      { return seconds(a.TimeoutSeconds) }
func (a AgentConfig) HelloTimeout() time.Duration { return seconds(a.HelloTimeoutSeconds) }

// ClientConfig is read by the originating host.
type ClientConfig struct {
	RepoPath        string               `yaml:"repo_path"`
	Remote          string               `yaml:"remote"`
	Branch          string               `yaml:"branch"`
	TasksFile       string               `yaml:"tasks_file"`
	Agent           AgentConfig          `yaml:"agent"`
	Implementation  ImplementationConfig `yaml:"implementation"`
	Subtasks        SubtasksConfig       `yaml:"subtasks"`
	LocalSmoke      CommandSetConfig     `yaml:"local_smoke"`
	PostDeploySmoke CommandSetConfig     `yaml:"post_deploy_smoke"`
	SmokePolicy     SmokePolicyConfig    `yaml:"smoke_policy"`
	DynamicSmoke    DynamicSmokeConfig   `yaml:"dynamic_smoke"`
	SmokeAuth       SmokeAuthConfig      `yaml:"smoke_auth"`
	GitHubCI        GitHubCIConfig       `yaml:"github_ci"`
	Deploy          DeployConfig         `yaml:"deploy"`
	RuntimeChecks   RuntimeChecksConfig  `yaml:"runtime_checks"`
	AutoFix         AutoFixConfig        `yaml:"auto_fix"`
	Tracker         TrackerConfig        `yaml:"tracker"`
	Notify          NotifyConfig         `yaml:"notify"`
	SessionContext  SessionContextConfig `yaml:"session_context"`
}

// ImplementationConfig lists the paths a task is expected to create.
// Templates may use {slug} and {task_no}.
type ImplementationConfig struct {
	Enabled       bool                `yaml:"enabled"`
	ExpectedPaths map[string][]string `yaml:"expected_paths"`
	ModuleRoots   []string            `yaml:"module_roots"`
}

// SubtasksConfig controls the tracker subtask coverage heuristic.
type SubtasksConfig struct {
	Enabled     bool     `yaml:"enabled"`
	MinCoverage float64  `yaml:"min_coverage"`
	SearchRoots []string `yaml:"search_roots"`
}

// CommandSetConfig maps task keys to named command sets.
type CommandSetConfig struct {
	Checks  map[string][]string `yaml:"checks"`
	Mapping map[string]string   `yaml:"mapping"`
}

// SmokePolicyConfig decides what a missing command set means.
type SmokePolicyConfig struct {
	RequireExplicitForNumberedTasks bool `yaml:"require_explicit_for_numbered_tasks"`
}

// DynamicSmokeConfig controls agent-generated smoke commands.
type DynamicSmokeConfig struct {
	Enabled        bool `yaml:"enabled"`
	MaxCommands    int  `yaml:"max_commands"`
	TimeoutSeconds int  `yaml:"timeout_seconds"`
}

func (d DynamicSmokeConfig) Timeout() time.Duration { return seconds(d.TimeoutSeconds) }

// SmokeAuthConfig describes how post-deploy smoke obtains a test identity.
type SmokeAuthConfig struct {
	BaseURL              string `yaml:"base_url"`
	RegisterPath         string `yaml:"register_path"`
	Password             string `yaml:"password"`
	EmailPrefix          string `yaml:"email_prefix"`
	EmailDomain          string `yaml:"email_domain"`
	FullName             string `yaml:"full_name"`
	TenantID             string `yaml:"tenant_id"`
	TenantIDQueryCommand string `yaml:"tenant_id_query_command"`
	DatabaseURLEnv       string `yaml:"database_url_env"`
	TenantQuery          string `yaml:"tenant_query"`
}

// GitHubCIConfig controls the CI wait stage.
type GitHubCIConfig struct {
	Enabled             bool     `yaml:"enabled"`
	Repo                string   `yaml:"repo"`
	TimeoutSeconds      int      `yaml:"timeout_seconds"`
	PollIntervalSeconds int      `yaml:"poll_interval_seconds"`
	NoRunGraceSeconds   int      `yaml:"no_run_grace_seconds"`
	RequireRuns         bool     `yaml:"require_runs"`
	Workflows           []string `yaml:"workflows"`
}

func (g GitHubCIConfig) Timeout() time.Duration      { return seconds(g.TimeoutSeconds) }
func (g GitHubCIConfig) PollInterval() time.Duration { return seconds(g.PollIntervalSeconds) }
func (g GitHubCIConfig) NoRunGrace() time.Duration   { return seconds(g.NoRunGraceSeconds) }

// DeployConfig lists deploy hooks and which task triggers which hook.
type DeployConfig struct {
	Enabled               bool                  `yaml:"enabled"`
	Hooks                 map[string]string     `yaml:"hooks"`
	TaskDeployMapping     map[string]StringList `yaml:"task_deploy_mapping"`
	HookURL               string                `yaml:"hook_url"`
	AuthHeaderName        string                `yaml:"auth_header_name"`
	AuthHeaderValue       string                `yaml:"auth_header_value"`
	RequestTimeoutSeconds int                   `yaml:"request_timeout_seconds"`
}

func (d DeployConfig) RequestTimeout() time.Duration { return seconds(d.RequestTimeoutSeconds) }

// RuntimeChecksConfig lists health URLs polled after deploy.
type RuntimeChecksConfig struct {
	Enabled               bool        `yaml:"enabled"`
	URLs                  []HealthURL `yaml:"urls"`
	TimeoutSeconds        int         `yaml:"timeout_seconds"`
	PollIntervalSeconds   int         `yaml:"poll_interval_seconds"`
	RequestTimeoutSeconds int         `yaml:"request_timeout_seconds"`
}

func (r RuntimeChecksConfig) Timeout() time.Duration        { return seconds(r.TimeoutSeconds) }
func (r RuntimeChecksConfig) PollInterval() time.Duration   { return seconds(r.PollIntervalSeconds) }
func (r RuntimeChecksConfig) RequestTimeout() time.Duration { return seconds(r.RequestTimeoutSeconds) }

// HealthURL is one runtime health probe.
type HealthURL struct {
	Name         string `yaml:"name"`
	URL          string `yaml:"url"`
	ExpectStatus int    `yaml:"expect_status"`
}

// AutoFixConfig controls the retry loop and the repair allowlist.
// Allowlist templates may use {slug} and {task_no}.
type AutoFixConfig struct {
	Enabled        bool     `yaml:"enabled"`
	MaxRetries     *int     `yaml:"max_retries"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Allowlist      []string `yaml:"allowlist"`
}

func (a AutoFixConfig) Timeout() time.Duration { return seconds(a.TimeoutSeconds) }

// Retries is max_retries, defaulting to 2 when unset.
func (a AutoFixConfig) Retries() int {
	if a.MaxRetries == nil {
		return 2
	}
	if *a.MaxRetries < 0 {
		return 0
	}
	return *a.MaxRetries
}

// Attempts is the total number of pipeline runs the retry loop may make.
func (a AutoFixConfig) Attempts() int {
	if !a.Enabled {
		return 1
	}
	return a.Retries() + 1
}

// TrackerConfig controls marking tasks complete in the markdown tracker.
type TrackerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DateOverride string `yaml:"date_override"`
	Push         bool   `yaml:"push"`
}

// NotifyConfig configures end-of-run notifications.
type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig configures the Telegram bot notifier.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	APIBase  string `yaml:"api_base"`
}

// SessionContextConfig locates the agent session transcript whose tail is
// sent with each trigger.
type SessionContextConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Path         string   `yaml:"path"`
	SessionID    string   `yaml:"session_id"`
	SessionsRoot string   `yaml:"sessions_root"`
	MaxMessages  int      `yaml:"max_messages"`
	MaxChars     int      `yaml:"max_chars"`
	Roles        []string `yaml:"roles"`
}

// StringList accepts either a single YAML string or a sequence of strings.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "" {
			*s = nil
			return nil
		}
		*s = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	}
	return fmt.Errorf("line %d: expected string or list of strings", node.Line)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
