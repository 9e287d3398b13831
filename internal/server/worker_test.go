package server

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/taintbridge/internal/agent"
	"github.com/lucasnoah/taintbridge/internal/checks"
	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

type mockCmd struct {
	mu      sync.Mutex
	calls   []string
	results map[string]cmdResult
}

type cmdResult struct {
	stdout string
	stderr string
	code   int
}

func (m *mockCmd) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, command)
	r := m.results[command]
	return r.stdout, r.stderr, r.code, nil
}

type mockReviewer struct {
	review *pipeline.Review
	got    agent.ReviewRequest
}

func (m *mockReviewer) Review(ctx context.Context, req agent.ReviewRequest) *pipeline.Review {
	m.got = req
	return m.review
}

type mockServices struct {
	names []string
	calls int
}

func (m *mockServices) Services(ctx context.Context) ([]string, error) {
	m.calls++
	return m.names, nil
}

type panicReviewer struct{}

func (panicReviewer) Review(ctx context.Context, req agent.ReviewRequest) *pipeline.Review {
	panic("reviewer exploded")
}

func newTestWorker(t *testing.T, cmd *mockCmd, deps WorkerDeps) (*Worker, *pipeline.JobStore, *pipeline.EventLog) {
	t.Helper()
	dir := t.TempDir()
	jobs := pipeline.NewJobStore(filepath.Join(dir, "results"))
	events := pipeline.NewEventLog(filepath.Join(dir, "events"))
	deps.Jobs = jobs
	deps.Events = events
	deps.Runner = checks.NewRunner(cmd)
	if deps.Config.Checks == nil {
		deps.Config = config.ServerConfig{
			Workdir: dir,
			Checks: map[string][]string{
				"default": {"make lint", "make test"},
				"api":     {"docker service logs {{service:api}}"},
			},
		}
	}
	return NewWorker(deps), jobs, events
}

func trigger(id, task string) pipeline.TriggerRequest {
	return pipeline.TriggerRequest{Task: task, Commit: "abc123", JobID: id}
}

func TestWorker_AllChecksPass(t *testing.T) {
	cmd := &mockCmd{}
	w, jobs, _ := newTestWorker(t, cmd, WorkerDeps{})

	w.Process(context.Background(), trigger("job-1", "Task 1.1: docs"), 100)

	job, err := jobs.Read("job-1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if job.Stage != pipeline.JobCompleted {
		t.Errorf("Stage = %q, want %q", job.Stage, pipeline.JobCompleted)
	}
	if job.Status != pipeline.StatusSuccess || !job.TestsPassed {
		t.Errorf("Status = %q tests_passed=%v, want success/true", job.Status, job.TestsPassed)
	}
	if job.NextAction != pipeline.Proceed {
		t.Errorf("NextAction = %q, want %q", job.NextAction, pipeline.Proceed)
	}
	if job.CheckSet != "default" {
		t.Errorf("CheckSet = %q, want %q", job.CheckSet, "default")
	}
	if len(job.Checks) != 2 {
		t.Fatalf("len(Checks) = %d, want 2", len(job.Checks))
	}
	for _, c := range job.Checks {
		if c.Source != checks.SourceServer {
			t.Errorf("Source = %q, want %q", c.Source, checks.SourceServer)
		}
	}
	if job.QueuedAt != 100 || job.StartedAt == 0 || job.FinishedAt == 0 {
		t.Errorf("timestamps = %d/%d/%d, want queued=100 and started/finished set", job.QueuedAt, job.StartedAt, job.FinishedAt)
	}
}

func TestWorker_StopsAtFirstFailure(t *testing.T) {
	cmd := &mockCmd{results: map[string]cmdResult{
		"make lint": {stderr: "lint: 3 problems\n", code: 1},
	}}
	w, jobs, _ := newTestWorker(t, cmd, WorkerDeps{})

	w.Process(context.Background(), trigger("job-2", "Task 1.2"), 1)

	job, _ := jobs.Read("job-2")
	if job.Status != pipeline.StatusFailure {
		t.Errorf("Status = %q, want %q", job.Status, pipeline.StatusFailure)
	}
	if job.NextAction != pipeline.FixRequired {
		t.Errorf("NextAction = %q, want %q", job.NextAction, pipeline.FixRequired)
	}
	if len(cmd.calls) != 1 {
		t.Errorf("ran %d commands, want 1 (stop at first failure)", len(cmd.calls))
	}
	want := []string{"make lint failed", "lint: 3 problems"}
	if len(job.Errors) != len(want) {
		t.Fatalf("Errors = %v, want %v", job.Errors, want)
	}
	for i := range want {
		if job.Errors[i] != want[i] {
			t.Errorf("Errors[%d] = %q, want %q", i, job.Errors[i], want[i])
		}
	}
}

func TestWorker_ResolvesServicesOnce(t *testing.T) {
	cmd := &mockCmd{}
	services := &mockServices{names: []string{"stack_api-7f2", "stack_web-1a"}}
	w, jobs, _ := newTestWorker(t, cmd, WorkerDeps{Services: services})
	w.cfg.Checks["api"] = []string{"docker service logs {{service:api}}", "docker service ps {{service:api}}"}

	w.Process(context.Background(), trigger("job-3", "Task 2.1: api endpoints"), 1)

	job, _ := jobs.Read("job-3")
	if job.CheckSet != "api" {
		t.Errorf("CheckSet = %q, want %q", job.CheckSet, "api")
	}
	if services.calls != 1 {
		t.Errorf("service discovery ran %d times, want 1", services.calls)
	}
	if cmd.calls[0] != "docker service logs stack_api-7f2" {
		t.Errorf("ran %q, want resolved service name", cmd.calls[0])
	}
}

func TestWorker_ReviewFailureFailsPassingChecks(t *testing.T) {
	cmd := &mockCmd{}
	reviewer := &mockReviewer{review: &pipeline.Review{
		Status:      pipeline.StatusFailure,
		Errors:      []string{"migration missing"},
		Warnings:    []string{"slow query"},
		Suggestions: []string{"add a migration"},
		NextAction:  pipeline.FixRequired,
	}}
	w, jobs, events := newTestWorker(t, cmd, WorkerDeps{Reviewer: reviewer})
	tr := trigger("job-4", "Task 1.4")
	tr.SessionContext = &pipeline.SessionContext{Excerpt: "USER: please add billing"}

	w.Process(context.Background(), tr, 1)

	job, _ := jobs.Read("job-4")
	if job.Status != pipeline.StatusFailure {
		t.Errorf("Status = %q, want %q", job.Status, pipeline.StatusFailure)
	}
	if len(job.Errors) != 1 || job.Errors[0] != "migration missing" {
		t.Errorf("Errors = %v, want review errors", job.Errors)
	}
	if len(job.Warnings) != 1 || len(job.Suggestions) != 1 {
		t.Errorf("Warnings = %v Suggestions = %v, want merged review lists", job.Warnings, job.Suggestions)
	}
	if job.Review == nil {
		t.Fatal("Review = nil, want attached review")
	}
	if reviewer.got.SessionExcerpt != "USER: please add billing" {
		t.Errorf("SessionExcerpt = %q, want trigger excerpt", reviewer.got.SessionExcerpt)
	}
	if len(reviewer.got.Checks) != 2 {
		t.Errorf("review saw %d checks, want 2", len(reviewer.got.Checks))
	}

	evs, _ := events.Read("job-4")
	if len(evs) != 1 || evs[0].EventType != pipeline.EventReview {
		t.Errorf("events = %+v, want one review_status event", evs)
	}
}

func TestWorker_ReviewErrorIsAWarning(t *testing.T) {
	cmd := &mockCmd{}
	reviewer := &mockReviewer{review: &pipeline.Review{
		Status:  pipeline.StatusError,
		Message: "agent timed out",
	}}
	w, jobs, _ := newTestWorker(t, cmd, WorkerDeps{Reviewer: reviewer})

	w.Process(context.Background(), trigger("job-5", "Task 1.5"), 1)

	job, _ := jobs.Read("job-5")
	if job.Status != pipeline.StatusSuccess {
		t.Errorf("Status = %q, want %q", job.Status, pipeline.StatusSuccess)
	}
	if len(job.Warnings) != 1 || job.Warnings[0] != "review unavailable: agent timed out" {
		t.Errorf("Warnings = %v, want review unavailable warning", job.Warnings)
	}
}

func TestWorker_PanicBecomesErrorSnapshot(t *testing.T) {
	cmd := &mockCmd{}
	w, jobs, _ := newTestWorker(t, cmd, WorkerDeps{Reviewer: panicReviewer{}})

	w.Process(context.Background(), trigger("job-6", "Task 1.6"), 1)

	job, err := jobs.Read("job-6")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if job.Stage != pipeline.JobError || job.Status != pipeline.StatusError {
		t.Errorf("Stage/Status = %q/%q, want error/error", job.Stage, job.Status)
	}
	if len(job.Errors) != 1 || job.Errors[0] != "bridge server exception: panic: reviewer exploded" {
		t.Errorf("Errors = %v", job.Errors)
	}
	if job.NextAction != pipeline.FixRequired {
		t.Errorf("NextAction = %q, want %q", job.NextAction, pipeline.FixRequired)
	}
}

func TestWorker_CompletedJobIsNotRerun(t *testing.T) {
	cmd := &mockCmd{}
	w, jobs, _ := newTestWorker(t, cmd, WorkerDeps{})

	w.Process(context.Background(), trigger("job-9", "Task 1.9"), 1)
	first, err := jobs.Read("job-9")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	calls := len(cmd.calls)

	w.Process(context.Background(), trigger("job-9", "Task 1.9"), 2)

	if len(cmd.calls) != calls {
		t.Errorf("checks ran %d more times, want 0", len(cmd.calls)-calls)
	}
	job, err := jobs.Read("job-9")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if job.Stage != pipeline.JobCompleted || job.QueuedAt != first.QueuedAt {
		t.Errorf("Stage/QueuedAt = %q/%d, want %q/%d", job.Stage, job.QueuedAt, pipeline.JobCompleted, first.QueuedAt)
	}
}

func TestWorker_RunDrainsQueueInOrder(t *testing.T) {
	cmd := &mockCmd{}
	w, jobs, _ := newTestWorker(t, cmd, WorkerDeps{})
	w.cfg.Checks = map[string][]string{"default": {"true"}}
	q := NewQueue()
	for _, id := range []string{"job-a", "job-b", "job-c"} {
		q.Enqueue(trigger(id, "Task 9.9"), 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, q)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := jobs.Read("job-c")
		if err == nil && job.Stage.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job-c never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	if len(cmd.calls) != 3 {
		t.Errorf("ran %d commands, want 3", len(cmd.calls))
	}
	if q.Len() != 0 {
		t.Errorf("queue Len = %d, want 0", q.Len())
	}
}

func TestQueue_NextHonoursContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := q.next(ctx); ok {
		t.Error("next on empty queue with cancelled context returned ok")
	}
}

func TestDockerServices_ParsesNames(t *testing.T) {
	cmd := &mockCmd{results: map[string]cmdResult{
		`docker service ls --format "{{.Name}}"`: {stdout: "stack_api\n\nstack_web\n"},
	}}
	names, err := DockerServices{Cmd: cmd}.Services(context.Background())
	if err != nil {
		t.Fatalf("Services: %v", err)
	}
	if len(names) != 2 || names[0] != "stack_api" || names[1] != "stack_web" {
		t.Errorf("names = %v, want [stack_api stack_web]", names)
	}

	cmd.results[`docker service ls --format "{{.Name}}"`] = cmdResult{stderr: "not a swarm manager", code: 1}
	if _, err := (DockerServices{Cmd: cmd}).Services(context.Background()); err == nil {
		t.Error("expected error for non-zero exit")
	}
}
