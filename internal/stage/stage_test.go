package stage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
	"github.com/lucasnoah/taintbridge/internal/worktree"
)

// --- Mock GitRunner ---

type mockGit struct {
	mu    sync.Mutex
	out   map[string]string
	errs  map[string]error
	calls []string
}

func newMockGit() *mockGit {
	return &mockGit{out: map[string]string{}, errs: map[string]error{}}
}

func (m *mockGit) Run(dir string, args ...string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.Join(args, " ")
	m.calls = append(m.calls, key)
	return m.out[key], m.errs[key]
}

func (m *mockGit) called(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if c == key {
			return true
		}
	}
	return false
}

// --- Mock CommandRunner ---

type cmdResult struct {
	stdout string
	stderr string
	code   int
}

type mockCmd struct {
	mu      sync.Mutex
	results map[string]cmdResult
	ran     []string
}

func newMockCmd() *mockCmd {
	return &mockCmd{results: map[string]cmdResult{}}
}

func (m *mockCmd) Run(ctx context.Context, dir, command string) (string, string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ran = append(m.ran, command)
	r := m.results[command]
	return r.stdout, r.stderr, r.code, nil
}

func (m *mockCmd) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ran...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func assertStatus(t *testing.T, res *pipeline.StageResult, want pipeline.Status) {
	t.Helper()
	if res == nil {
		t.Fatalf("result is nil, want status %q", want)
	}
	if res.Status != want {
		t.Fatalf("Status = %q, want %q (errors: %v)", res.Status, want, res.Errors)
	}
	if (res.NextAction == pipeline.Proceed) != (res.Status == pipeline.StatusSuccess) {
		t.Errorf("NextAction = %q disagrees with Status %q", res.NextAction, res.Status)
	}
}

func containsLine(lines []string, sub string) bool {
	for _, l := range lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

// --- Implementation ---

func TestImplementation_ModuleRootPresent(t *testing.T) {
	repo := t.TempDir()
	writeFile(t, filepath.Join(repo, "apps/api/src/modules/grades/grades.service.ts"), "export class GradesService {}")
	s := NewImplementation(config.ImplementationConfig{
		Enabled:     true,
		ModuleRoots: []string{"apps/api/src/modules/{slug}/"},
	}, repo)

	res := s.Run(context.Background(), &Input{Task: "2.11 Grades Module"})

	assertStatus(t, res, pipeline.StatusSuccess)
	if res.Detail == nil || res.Detail.Kind != pipeline.StageImplementation {
		t.Fatalf("Detail = %+v, want kind %q", res.Detail, pipeline.StageImplementation)
	}
	if got := res.Detail.Implementation.Found; len(got) != 1 || got[0] != "apps/api/src/modules/grades/" {
		t.Errorf("Found = %v", got)
	}
}

func TestImplementation_MissingPathFails(t *testing.T) {
	repo := t.TempDir()
	s := NewImplementation(config.ImplementationConfig{
		Enabled: true,
		ExpectedPaths: map[string][]string{
			"2.x": {"apps/api/src/modules/{slug}/{slug}.controller.ts"},
		},
		ModuleRoots: []string{"unused/"},
	}, repo)

	res := s.Run(context.Background(), &Input{Task: "2.11 Grades Module", Commit: "abc"})

	assertStatus(t, res, pipeline.StatusFailure)
	if !containsLine(res.Errors, "apps/api/src/modules/grades/grades.controller.ts") {
		t.Errorf("Errors = %v, want the missing controller path", res.Errors)
	}
}

func TestImplementation_Skips(t *testing.T) {
	s := NewImplementation(config.ImplementationConfig{Enabled: true, ModuleRoots: []string{"apps/{slug}/"}}, t.TempDir())
	if res := s.Run(context.Background(), &Input{Task: "Refresh docs"}); res != nil {
		t.Errorf("unnumbered task: got %+v, want nil", res)
	}
	off := NewImplementation(config.ImplementationConfig{}, t.TempDir())
	if res := off.Run(context.Background(), &Input{Task: "2.11 Grades"}); res != nil {
		t.Errorf("disabled stage: got %+v, want nil", res)
	}
}

// --- Subtasks ---

const trackerDoc = `# Plan

| No | Task | Status | Date |
|----|------|--------|------|
| 2.10 | Attendance Module | 🟢 Completed | 2026-01-02 |
| 2.11 | Grades Module | ⚪ Not Started | - |

## 2.11 Grades Module
- [ ] Gradebook service
- [ ] Transcript export

## 2.12 Reports
- [ ] Something else
`

func TestSubtasks_CoverageBelowMinimumFails(t *testing.T) {
	repo := t.TempDir()
	writeFile(t, filepath.Join(repo, "docs/tasks.md"), trackerDoc)
	writeFile(t, filepath.Join(repo, "apps/api/gradebook.service.ts"), "class Gradebook {}")
	s := NewSubtasks(config.SubtasksConfig{Enabled: true, MinCoverage: 1.0, SearchRoots: []string{"apps"}}, repo, "docs/tasks.md")

	res := s.Run(context.Background(), &Input{Task: "2.11 Grades Module"})

	assertStatus(t, res, pipeline.StatusFailure)
	d := res.Detail.Subtasks
	if d.Total != 2 || d.Covered != 1 {
		t.Errorf("coverage = %d/%d, want 1/2", d.Covered, d.Total)
	}
	if !containsLine(res.Errors, "Transcript export") {
		t.Errorf("Errors = %v, want the uncovered subtask", res.Errors)
	}
}

func TestSubtasks_PartialCoverageAllowed(t *testing.T) {
	repo := t.TempDir()
	writeFile(t, filepath.Join(repo, "docs/tasks.md"), trackerDoc)
	writeFile(t, filepath.Join(repo, "apps/api/gradebook.service.ts"), "class Gradebook {}")
	s := NewSubtasks(config.SubtasksConfig{Enabled: true, MinCoverage: 0.5, SearchRoots: []string{"apps"}}, repo, "docs/tasks.md")

	res := s.Run(context.Background(), &Input{Task: "2.11 Grades Module"})

	assertStatus(t, res, pipeline.StatusSuccess)
	if len(res.Warnings) != 1 {
		t.Errorf("Warnings = %v, want one uncovered subtask", res.Warnings)
	}
}

func TestSubtasks_MissingTrackerFails(t *testing.T) {
	s := NewSubtasks(config.SubtasksConfig{Enabled: true, MinCoverage: 1}, t.TempDir(), "docs/missing.md")
	res := s.Run(context.Background(), &Input{Task: "2.11 Grades Module"})
	assertStatus(t, res, pipeline.StatusFailure)
}

// --- Push ---

func TestPush_SetsCommit(t *testing.T) {
	git := newMockGit()
	git.out["rev-parse HEAD"] = "abc123def4567890"
	s := NewPush(worktree.NewRepo(git, "/repo"), "origin", "main")
	in := &Input{Task: "2.11 Grades Module"}

	res := s.Run(context.Background(), in)

	assertStatus(t, res, pipeline.StatusSuccess)
	if in.Commit != "abc123def4567890" {
		t.Errorf("in.Commit = %q, want pushed hash", in.Commit)
	}
	if !git.called("push origin HEAD:main") {
		t.Errorf("push not called, calls: %v", git.calls)
	}
	if res.Detail.Push.Branch != "main" {
		t.Errorf("Push.Branch = %q, want main", res.Detail.Push.Branch)
	}
}

func TestPush_FailureKeepsCommit(t *testing.T) {
	git := newMockGit()
	git.errs["push origin HEAD:main"] = os.ErrPermission
	s := NewPush(worktree.NewRepo(git, "/repo"), "origin", "main")
	in := &Input{Task: "t", Commit: ""}

	res := s.Run(context.Background(), in)

	assertStatus(t, res, pipeline.StatusFailure)
	if in.Commit != "" {
		t.Errorf("in.Commit = %q, want unchanged", in.Commit)
	}
}

// --- Tracker ---

func TestTracker_MarksCommitsAndPushes(t *testing.T) {
	repo := t.TempDir()
	path := filepath.Join(repo, "docs/tasks.md")
	writeFile(t, path, trackerDoc)
	git := newMockGit()
	git.out["diff --cached --name-only"] = "docs/tasks.md"
	git.out["rev-parse HEAD"] = "fff000"
	s := NewTracker(config.TrackerConfig{Enabled: true, Push: true}, worktree.NewRepo(git, repo), "docs/tasks.md", "origin", "main")
	s.now = func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) }

	res := s.Run(context.Background(), &Input{Task: "2.11 Grades Module", Commit: "abc"})

	assertStatus(t, res, pipeline.StatusSuccess)
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "| 2.11 | Grades Module | 🟢 Completed | 2026-03-04 |") {
		t.Errorf("tracker not updated:\n%s", data)
	}
	if !git.called("commit -m docs(tracker): mark 2.11 completed") {
		t.Errorf("commit not made, calls: %v", git.calls)
	}
	if !git.called("push origin HEAD:main") {
		t.Errorf("push not made, calls: %v", git.calls)
	}
	if d := res.Detail.Tracker; !d.Updated || !d.Committed {
		t.Errorf("Tracker detail = %+v", d)
	}
}

func TestTracker_ProblemsAreWarnings(t *testing.T) {
	git := newMockGit()
	s := NewTracker(config.TrackerConfig{Enabled: true}, worktree.NewRepo(git, t.TempDir()), "docs/missing.md", "origin", "main")

	res := s.Run(context.Background(), &Input{Task: "2.11 Grades Module"})

	assertStatus(t, res, pipeline.StatusSuccess)
	if !containsLine(res.Warnings, "Tracker update failed") {
		t.Errorf("Warnings = %v", res.Warnings)
	}
}
