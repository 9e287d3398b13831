package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/github"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
	"github.com/lucasnoah/taintbridge/internal/worktree"
)

func sampleFailure() *pipeline.StageResult {
	res := pipeline.Failure(pipeline.StageLocalSmoke, "2.11 Grades Module", "abc123def4567890ffff",
		[]string{"e1", "e2", "e3", "e4", "e5", "e6"}, "Fix lint.")
	res.Warnings = []string{"slow"}
	res.Detail = &pipeline.StageDetail{Kind: pipeline.StageLocalSmoke, CheckSet: "api"}
	return res
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	res := sampleFailure()
	res.Errors = res.Errors[:2]

	PrintSummary(&buf, res)

	rule := strings.Repeat("=", 60)
	want := strings.Join([]string{
		rule,
		"STATUS: FAILURE",
		"TESTS:  FAIL",
		"TASK:   2.11 Grades Module",
		"COMMIT: abc123def456",
		"ERRORS:",
		"- e1",
		"- e2",
		"WARNINGS:",
		"- slow",
		"SUGGESTIONS:",
		"- Fix lint.",
		"NEXT_ACTION: fix_required",
		rule,
	}, "\n") + "\n"
	if buf.String() != want {
		t.Errorf("summary =\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestPrintSummary_OmitsEmptySections(t *testing.T) {
	var buf bytes.Buffer
	PrintSummary(&buf, pipeline.Success(StageClient, "Refresh docs", ""))
	out := buf.String()
	for _, s := range []string{"ERRORS:", "WARNINGS:", "SUGGESTIONS:"} {
		if strings.Contains(out, s) {
			t.Errorf("summary contains %q:\n%s", s, out)
		}
	}
	if !strings.Contains(out, "TESTS:  PASS") || !strings.Contains(out, "NEXT_ACTION: proceed") {
		t.Errorf("summary =\n%s", out)
	}
}

func TestMessage(t *testing.T) {
	got := Message(sampleFailure())
	want := strings.Join([]string{
		"Bridge: FAILURE",
		"Task: 2.11 Grades Module",
		"Commit: abc123def456",
		"Stage: local_smoke",
		"Check set: api",
		"Next action: fix_required",
		"Errors:",
		"- e1",
		"- e2",
		"- e3",
		"- e4",
		"- e5",
	}, "\n")
	if got != want {
		t.Errorf("Message =\n%s\nwant\n%s", got, want)
	}
}

type telegramRecorder struct {
	mu    sync.Mutex
	paths []string
	texts []string
}

func newTelegramServer(t *testing.T, status int) (*httptest.Server, *telegramRecorder) {
	t.Helper()
	rec := &telegramRecorder{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		rec.mu.Lock()
		rec.paths = append(rec.paths, r.URL.Path)
		rec.texts = append(rec.texts, body["chat_id"]+"|"+body["text"])
		rec.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(ts.Close)
	return ts, rec
}

func (r *telegramRecorder) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...), append([]string(nil), r.texts...)
}

func TestTelegram_SendsOncePerDistinctResult(t *testing.T) {
	ts, rec := newTelegramServer(t, http.StatusOK)
	tg := NewTelegram(config.TelegramConfig{Enabled: true, BotToken: "123:ABC", ChatID: "42", APIBase: ts.URL}, ts.Client(), nil)
	res := sampleFailure()

	for i := 0; i < 2; i++ {
		if err := tg.Notify(context.Background(), res); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	if err := tg.Notify(context.Background(), pipeline.Success(StageClient, "2.11 Grades Module", "")); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	paths, texts := rec.snapshot()
	if len(paths) != 2 {
		t.Fatalf("sent %d messages, want 2", len(paths))
	}
	if paths[0] != "/bot123:ABC/sendMessage" {
		t.Errorf("path = %q", paths[0])
	}
	if texts[0] != "42|"+Message(res) {
		t.Errorf("payload = %q", texts[0])
	}
}

func TestTelegram_DisabledOrIncomplete(t *testing.T) {
	ts, rec := newTelegramServer(t, http.StatusOK)
	cases := []config.TelegramConfig{
		{Enabled: false, BotToken: "123:ABC", ChatID: "42", APIBase: ts.URL},
		{Enabled: true, BotToken: "", ChatID: "42", APIBase: ts.URL},
		{Enabled: true, BotToken: "123:ABC", ChatID: " ", APIBase: ts.URL},
	}
	for _, cfg := range cases {
		if err := NewTelegram(cfg, ts.Client(), nil).Notify(context.Background(), sampleFailure()); err != nil {
			t.Errorf("Notify(%+v): %v", cfg, err)
		}
	}
	if paths, _ := rec.snapshot(); len(paths) != 0 {
		t.Errorf("sent %d messages, want 0", len(paths))
	}
}

func TestTelegram_HTTPErrorRetriesNextTime(t *testing.T) {
	ts, rec := newTelegramServer(t, http.StatusBadGateway)
	tg := NewTelegram(config.TelegramConfig{Enabled: true, BotToken: "123:ABC", ChatID: "42", APIBase: ts.URL}, ts.Client(), nil)

	for i := 0; i < 2; i++ {
		err := tg.Notify(context.Background(), sampleFailure())
		if err == nil || !strings.Contains(err.Error(), "HTTP 502") {
			t.Errorf("err = %v, want HTTP 502", err)
		}
	}
	if paths, _ := rec.snapshot(); len(paths) != 2 {
		t.Errorf("sent %d messages, want 2", len(paths))
	}
}

// --- BuildSequence ---

func TestBuildSequence_Order(t *testing.T) {
	cfg, err := config.Parse([]byte("bridge:\n  shared_secret: s3cret-value\n"))
	if err != nil {
		t.Fatal(err)
	}
	seq := BuildSequence(cfg, Runtime{
		Repo: worktree.NewRepo(newMockGit(), t.TempDir()),
		GH:   github.NewClient(nil),
	})

	var names []string
	for _, s := range seq.Stages {
		names = append(names, s.Name())
	}
	want := []string{
		pipeline.StageImplementation,
		pipeline.StageSubtasks,
		pipeline.StageLocalSmoke,
		pipeline.StagePreflight,
		pipeline.StagePush,
		pipeline.StageCI,
		pipeline.StageDeploy,
		pipeline.StageHealth,
		pipeline.StageFeatureSmoke,
		pipeline.StageReview,
	}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("stages = %v, want %v", names, want)
	}
	if seq.Tracker == nil || seq.Tracker.Name() != pipeline.StageTracker {
		t.Errorf("Tracker = %v", seq.Tracker)
	}
	if got := seq.Redactor.Redact("secret is s3cret-value"); got != "secret is [REDACTED]" {
		t.Errorf("Redact = %q", got)
	}
}
