package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lucasnoah/taintbridge/internal/checks"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

type execCall struct {
	Dir  string
	Name string
	Args []string
}

type execResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// mockExec records calls and returns configured results in order.
type mockExec struct {
	calls   []execCall
	results []execResult
}

func (m *mockExec) Run(ctx context.Context, dir, name string, args ...string) (string, string, int, error) {
	m.calls = append(m.calls, execCall{Dir: dir, Name: name, Args: args})
	if len(m.calls) > len(m.results) {
		return "", "", 0, nil
	}
	r := m.results[len(m.calls)-1]
	return r.Stdout, r.Stderr, r.ExitCode, r.Err
}

func (m *mockExec) lastPrompt() string {
	args := m.calls[len(m.calls)-1].Args
	return args[len(args)-1]
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code   int
		stderr string
		want   Outcome
	}{
		{0, "", Succeeded},
		{2, "error: unexpected argument '--no-interactive' found", Incompatible},
		{2, "Error: Unknown option '-q'", Incompatible},
		{2, "error: unrecognized subcommand 'exec'", Incompatible},
		{1, "rate limited", Failed},
	}
	for _, tt := range tests {
		if got := Classify(tt.code, tt.stderr); got != tt.want {
			t.Errorf("Classify(%d, %q) = %s, want %s", tt.code, tt.stderr, got, tt.want)
		}
	}
}

func TestPrompt_FallsThroughIncompatibleVariants(t *testing.T) {
	ex := &mockExec{results: []execResult{
		{ExitCode: 2, Stderr: "unrecognized subcommand 'exec'"},
		{ExitCode: 2, Stderr: "unrecognized subcommand 'exec'"},
		{ExitCode: 0, Stdout: "hi"},
	}}
	cli := NewCLI(ex, "codex", "/repo", ServerVariants)

	res, err := cli.Prompt(context.Background(), "PROMPT", 0)
	if err != nil {
		t.Fatalf("Prompt() error: %v", err)
	}
	if res.Variant != 2 || res.Stdout != "hi" {
		t.Errorf("result = %+v, want variant 2", res)
	}
	if len(ex.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(ex.calls))
	}
	if got := strings.Join(ex.calls[2].Args, " "); got != "--no-interactive -q PROMPT" {
		t.Errorf("third variant args = %q", got)
	}
	if ex.calls[0].Dir != "/repo" || ex.calls[0].Name != "codex" {
		t.Errorf("call = %+v", ex.calls[0])
	}
}

func TestPrompt_RealFailureStops(t *testing.T) {
	ex := &mockExec{results: []execResult{{ExitCode: 1, Stderr: "model overloaded"}}}
	cli := NewCLI(ex, "codex", ".", ClientVariants)

	res, err := cli.Prompt(context.Background(), "p", 0)
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("err = %v, want *RunError", err)
	}
	if res == nil || res.Outcome != Failed {
		t.Errorf("res = %+v, want Failed outcome", res)
	}
	if len(ex.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(ex.calls))
	}
}

func TestPrompt_MissingBinary(t *testing.T) {
	ex := &mockExec{results: []execResult{{ExitCode: -1, Err: errors.New("executable file not found in $PATH")}}}
	cli := NewCLI(ex, "codex", ".", ServerVariants)

	_, err := cli.Prompt(context.Background(), "p", 0)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestDecodeObject(t *testing.T) {
	var v struct {
		Commands []string `json:"commands"`
	}
	if err := DecodeObject("Sure!\n```json\n{\"commands\":[\"a\"]}\n```", &v); err != nil {
		t.Fatalf("DecodeObject() error: %v", err)
	}
	if len(v.Commands) != 1 || v.Commands[0] != "a" {
		t.Errorf("Commands = %v", v.Commands)
	}
	if err := DecodeObject("no json here", &v); !errors.Is(err, ErrNoJSON) {
		t.Errorf("err = %v, want ErrNoJSON", err)
	}
	if err := DecodeObject(`{"commands": [`, &v); !errors.Is(err, ErrNoJSON) {
		t.Errorf("truncated err = %v, want ErrNoJSON", err)
	}
}

func TestGenerator_CapsAndTrims(t *testing.T) {
	ex := &mockExec{results: []execResult{{Stdout: `{"commands":[" curl {{BASE_URL}}/a ","", "b", "c"],"notes":" n "}`}}}
	gen := NewGenerator(NewCLI(ex, "codex", "", ClientVariants), 0, func(context.Context) string { return "DIFF" })

	got, err := gen.Generate(context.Background(), checks.GenerateRequest{Task: "2.11 Grades", Stage: checks.StagePostDeploy, MaxCommands: 2})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if len(got.Commands) != 2 || got.Commands[0] != "curl {{BASE_URL}}/a" || got.Commands[1] != "b" {
		t.Errorf("Commands = %q", got.Commands)
	}
	if got.Notes != "n" {
		t.Errorf("Notes = %q, want %q", got.Notes, "n")
	}
	p := ex.lastPrompt()
	if !strings.Contains(p, "DIFF") || !strings.Contains(p, "{{BASE_URL}}") {
		t.Errorf("prompt missing context or placeholders:\n%s", p)
	}
}

func TestGenerator_EmptyList(t *testing.T) {
	ex := &mockExec{results: []execResult{{Stdout: `{"commands":[]}`}}}
	gen := NewGenerator(NewCLI(ex, "codex", "", ClientVariants), 0, nil)
	if _, err := gen.Generate(context.Background(), checks.GenerateRequest{Stage: checks.StageLocal}); err == nil {
		t.Error("expected error for empty command list")
	}
}

func TestRepairer(t *testing.T) {
	ex := &mockExec{results: []execResult{{Stdout: `{"fixed_command":"curl {{BASE_URL}}/api/health","reason":"path"}`}}}
	r := NewRepairer(NewCLI(ex, "codex", "", ClientVariants), 0)

	got, err := r.Repair(context.Background(), checks.RepairRequest{Stage: checks.StagePostDeploy, Command: "curl {{BASE_URL}}/health", Stderr: "404"})
	if err != nil {
		t.Fatalf("Repair() error: %v", err)
	}
	if got != "curl {{BASE_URL}}/api/health" {
		t.Errorf("Repair() = %q", got)
	}
	if !strings.Contains(ex.lastPrompt(), "curl {{BASE_URL}}/health") {
		t.Error("prompt should carry the failing command")
	}
}

func TestReviewer_ParsesVerdict(t *testing.T) {
	ex := &mockExec{results: []execResult{{Stdout: "Review done.\n{\"status\":\"failure\",\"tests_passed\":true,\"errors\":[\"500 in logs\"],\"next_action\":\"proceed\"}"}}}
	r := NewReviewer(NewCLI(ex, "codex", "", ServerVariants), 0)

	rv := r.Review(context.Background(), ReviewRequest{Task: "t", Commit: "c", Mode: "runtime_inspector"})
	if rv.Status != pipeline.StatusFailure || rv.NextAction != pipeline.FixRequired || rv.TestsPassed {
		t.Errorf("review = %+v, want normalized failure", rv)
	}
	if len(rv.Errors) != 1 || rv.Warnings == nil {
		t.Errorf("lists = %v / %v", rv.Errors, rv.Warnings)
	}
}

func TestReviewer_ParseFailureIsErrorRecord(t *testing.T) {
	ex := &mockExec{results: []execResult{{Stdout: "I could not decide."}}}
	r := NewReviewer(NewCLI(ex, "codex", "", ServerVariants), 0)

	rv := r.Review(context.Background(), ReviewRequest{Task: "t"})
	if rv.Status != pipeline.StatusError {
		t.Errorf("Status = %q, want error", rv.Status)
	}
	if rv.RawOutput != "I could not decide." || rv.Message == "" {
		t.Errorf("review = %+v", rv)
	}
}

func TestHello_FirstLine(t *testing.T) {
	ex := &mockExec{results: []execResult{{Stdout: "\n  Listening and ready.  \nsecond line\n"}}}
	got, err := Hello(context.Background(), NewCLI(ex, "codex", "", ServerVariants), "client", 0)
	if err != nil {
		t.Fatalf("Hello() error: %v", err)
	}
	if got != "Listening and ready." {
		t.Errorf("Hello() = %q", got)
	}
}

func TestFixer_PromptCarriesAllowlist(t *testing.T) {
	ex := &mockExec{results: []execResult{{Stdout: "edited files\nFixed the grades DTO."}}}
	f := NewFixer(NewCLI(ex, "codex", "", ClientVariants), 0)

	res := pipeline.Failure(pipeline.StageLocalSmoke, "2.11 Grades", "abc", []string{"boom"})
	got, err := f.Fix(context.Background(), FixRequest{Attempt: 1, Task: "2.11 Grades", Result: res, Allowlist: []string{"apps/api/src/modules/grades/"}})
	if err != nil {
		t.Fatalf("Fix() error: %v", err)
	}
	if got != "Fixed the grades DTO." {
		t.Errorf("Fix() = %q", got)
	}
	p := ex.lastPrompt()
	if !strings.Contains(p, "apps/api/src/modules/grades/") || !strings.Contains(p, `"boom"`) {
		t.Errorf("prompt missing allowlist or result:\n%s", p)
	}
}
