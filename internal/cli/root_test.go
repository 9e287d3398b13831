package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func writeConfig(t *testing.T, body string) (path, dir string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "bridge.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path, dir
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"serve", "hello", "doctor", "push", "push-next", "next-task",
		"wait", "events", "watch-events", "last-result", "config", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	cases := [][]string{
		{"serve"}, {"push"}, {"wait"}, {"watch-events"},
		{"config", "validate"}, {"config", "show"},
	}
	for _, c := range cases {
		out, err := executeCommand(append(c, "--help")...)
		if err != nil {
			t.Errorf("%s --help failed: %v", strings.Join(c, " "), err)
		}
		if out == "" {
			t.Errorf("%s --help produced no output", strings.Join(c, " "))
		}
	}
}

func TestPushRequiresTask(t *testing.T) {
	if _, err := executeCommand("push"); err == nil {
		t.Error("expected error for push without a task")
	}
}

func TestUnknownCommand(t *testing.T) {
	if _, err := executeCommand("nonexistent"); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestConfigShowMasksSecrets(t *testing.T) {
	path, _ := writeConfig(t, `
bridge:
  shared_secret: topsecret
client:
  notify:
    telegram:
      bot_token: "123:ABC"
`)
	out, err := executeCommand("config", "show", "-c", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(out, "topsecret") || strings.Contains(out, "123:ABC") {
		t.Errorf("config show leaked a secret:\n%s", out)
	}
	if !strings.Contains(out, masked) {
		t.Errorf("config show output missing %q:\n%s", masked, out)
	}
}

func TestMaskSecretsLeavesEmptyValues(t *testing.T) {
	var cfg config.Config
	cfg.Bridge.SharedSecret = "s"
	got := maskSecrets(cfg)
	if got.Bridge.SharedSecret != masked {
		t.Errorf("SharedSecret = %q, want %q", got.Bridge.SharedSecret, masked)
	}
	if got.Client.SmokeAuth.Password != "" {
		t.Errorf("Password = %q, want empty", got.Client.SmokeAuth.Password)
	}
	if cfg.Bridge.SharedSecret != "s" {
		t.Error("maskSecrets modified its argument")
	}
}

func TestNextTask(t *testing.T) {
	path, dir := writeConfig(t, "client:\n  tasks_file: tasks.md\n")
	tracker := `| # | Task | Status |
|---|------|--------|
| 1.1 | Setup | 🟢 Completed |
| 1.2 | Auth Module | ⚪ Not Started |
`
	if err := os.WriteFile(filepath.Join(dir, "tasks.md"), []byte(tracker), 0644); err != nil {
		t.Fatal(err)
	}
	// tasks_file is resolved against repo_path, which defaults to ".".
	t.Chdir(dir)

	out, err := executeCommand("next-task", "-c", path, "--format", "text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out) != "1.2 Auth Module" {
		t.Errorf("next-task = %q, want %q", strings.TrimSpace(out), "1.2 Auth Module")
	}
}

func TestLastResult(t *testing.T) {
	state := t.TempDir()
	path, _ := writeConfig(t, "bridge:\n  state_dir: "+state+"\n")

	out, err := executeCommand("last-result", "-c", path, "--format", "text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No result recorded yet.") {
		t.Errorf("output = %q, want no-result notice", out)
	}

	res := pipeline.Failure("local_smoke", "1.2 Auth Module", "abc123", []string{"smoke failed"})
	if err := pipeline.WriteLastResult(pipeline.LastResultPath(state), res); err != nil {
		t.Fatal(err)
	}
	out, err = executeCommand("last-result", "-c", path, "--format", "text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"STATUS:", "1.2 Auth Module", "smoke failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestExitFor(t *testing.T) {
	if err := exitFor(pipeline.Success("s", "t", "c")); err != nil {
		t.Errorf("exitFor(pass) = %v, want nil", err)
	}
	err := exitFor(pipeline.Failure("s", "t", "c", []string{"x"}))
	var ee *ExitError
	if !errors.As(err, &ee) || ee.Code != 1 {
		t.Errorf("exitFor(fail) = %v, want exit status 1", err)
	}
}

func TestConfigValidate(t *testing.T) {
	path, _ := writeConfig(t, "bridge:\n  shared_secret: s3cret\n")
	out, err := executeCommand("config", "validate", "-c", path)
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out)
	}
	if !strings.Contains(out, path+": ok") {
		t.Errorf("output = %q, want %q", out, path+": ok")
	}
	if strings.Contains(out, "s3cret") {
		t.Errorf("validate printed the secret:\n%s", out)
	}
}

func TestConfigPath(t *testing.T) {
	path, _ := writeConfig(t, "")
	out, err := executeCommand("config", "path", "-c", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out) != path {
		t.Errorf("config path = %q, want %q", strings.TrimSpace(out), path)
	}
}
