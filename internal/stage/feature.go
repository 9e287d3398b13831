package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/taintbridge/internal/checks"
	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/db"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

// Environment variables consulted for the smoke tenant, in order.
var tenantEnvVars = []string{"BRIDGE_SMOKE_TENANT_ID", "BRIDGE_TENANT_ID"}

var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// TenantDiscoverer looks a tenant id up directly in the application
// database.
type TenantDiscoverer func(ctx context.Context, url, query string) (string, error)

// FeatureSmokeDeps extends SmokeDeps with what the auth bootstrap needs.
type FeatureSmokeDeps struct {
	SmokeDeps
	Shell    checks.CommandRunner
	HTTP     *http.Client
	Discover TenantDiscoverer
	Getenv   func(string) string
	Redactor *pipeline.Redactor
	Now      func() time.Time
}

// FeatureSmoke bootstraps a throwaway identity against the deployed API and
// runs the post-deploy assertions with its token.
type FeatureSmoke struct {
	progress
	set  commandSet
	auth config.SmokeAuthConfig
	deps FeatureSmokeDeps
}

// NewFeatureSmoke creates the post-deploy feature smoke stage. Zero fields of
// deps get production defaults.
func NewFeatureSmoke(cfg config.ClientConfig, requestTimeout time.Duration, deps FeatureSmokeDeps) *FeatureSmoke {
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: requestTimeout}
	}
	if deps.Discover == nil {
		deps.Discover = db.DiscoverTenant
	}
	if deps.Getenv == nil {
		deps.Getenv = os.Getenv
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Shell == nil {
		deps.Shell = &checks.ExecRunner{}
	}
	return &FeatureSmoke{
		set: commandSet{
			stage:   checks.StagePostDeploy,
			sets:    cfg.PostDeploySmoke,
			policy:  cfg.SmokePolicy,
			dynamic: cfg.DynamicSmoke,
			deps:    deps.SmokeDeps,
		},
		auth: cfg.SmokeAuth,
		deps: deps,
	}
}

func (s *FeatureSmoke) Name() string { return pipeline.StageFeatureSmoke }

// Run selects commands before bootstrapping auth, so a task with nothing to
// run never registers an identity.
func (s *FeatureSmoke) Run(ctx context.Context, in *Input) *pipeline.StageResult {
	sel, failed := s.set.selectCommands(ctx, in, s.logf)
	if failed != nil {
		return failed
	}
	if sel == nil {
		return nil
	}

	vars, err := s.bootstrap(ctx, in)
	if err != nil {
		in.Events.Emit(ctx, pipeline.EventRequest{
			EventType:  pipeline.EventFeatureSmoke,
			Workflow:   "feature-smoke-auth",
			Status:     "completed",
			Conclusion: "failure",
			Message:    "Feature smoke auth bootstrap failed.",
		})
		res := pipeline.Failure(s.Name(), in.Task, in.Commit, errorLines(err),
			"Check the smoke auth bootstrap (auth endpoint, tenant id).")
		return withDetail(res, &pipeline.StageDetail{CheckSet: sel.name, Checks: []pipeline.CheckResult{}})
	}

	in.Events.Emit(ctx, pipeline.EventRequest{
		EventType: pipeline.EventFeatureSmoke,
		Workflow:  "feature-smoke",
		Status:    "queued",
		Message:   "Feature smoke started.",
	})
	onStart := func(c checks.Command) {
		in.Events.Emit(ctx, pipeline.EventRequest{
			EventType: pipeline.EventFeatureSmoke,
			Workflow:  sel.name,
			Status:    "in_progress",
			Message:   "Smoke cmd start: " + checks.Head(c.Rendered, 180),
		})
	}
	onDone := func(r pipeline.CheckResult) {
		in.Events.Emit(ctx, pipeline.EventRequest{
			EventType:  pipeline.EventFeatureSmoke,
			Workflow:   sel.name,
			Status:     "completed",
			Conclusion: conclusion(r.Passed()),
			Message:    fmt.Sprintf("Smoke cmd done rc=%d dur=%.2fs", r.ReturnCode, r.DurationSeconds),
		})
	}
	res := s.set.run(ctx, in, sel, vars, onStart, onDone)

	ok := res.Proceed()
	in.Events.Emit(ctx, pipeline.EventRequest{
		EventType:  pipeline.EventFeatureSmoke,
		Workflow:   sel.name,
		Status:     "completed",
		Conclusion: conclusion(ok),
		Message:    fmt.Sprintf("Feature smoke %s (%s).", conclusion(ok), sel.name),
	})
	return s.deps.Redactor.RedactResult(res)
}

// bootstrapError carries the lines reported when auth bootstrap fails.
type bootstrapError struct {
	lines []string
}

func (e *bootstrapError) Error() string { return strings.Join(e.lines, ": ") }

func errorLines(err error) []string {
	var be *bootstrapError
	if errors.As(err, &be) {
		return be.lines
	}
	return []string{err.Error()}
}

// bootstrap registers a throwaway identity and returns the placeholder
// values for the smoke commands.
func (s *FeatureSmoke) bootstrap(ctx context.Context, in *Input) (map[string]string, error) {
	tenantID := s.tenantID(ctx)
	if tenantID == "" {
		return nil, &bootstrapError{lines: []string{
			"Smoke auth tenant id not found (smoke_auth.tenant_id, BRIDGE_SMOKE_TENANT_ID, tenant_id_query_command or " + s.auth.DatabaseURLEnv + ").",
		}}
	}

	in.Events.Emit(ctx, pipeline.EventRequest{
		EventType: pipeline.EventFeatureSmoke,
		Workflow:  "feature-smoke-auth",
		Status:    "in_progress",
		Message:   "Feature smoke auth bootstrap started.",
	})

	baseURL := strings.TrimRight(s.auth.BaseURL, "/")
	email := fmt.Sprintf("%s+%d@%s", s.auth.EmailPrefix, s.deps.Now().Unix(), s.auth.EmailDomain)
	token, err := s.register(ctx, baseURL+s.auth.RegisterPath, map[string]string{
		"fullName": s.auth.FullName,
		"email":    email,
		"password": s.auth.Password,
		"tenantId": tenantID,
	})
	if err != nil {
		return nil, err
	}
	if s.deps.Redactor != nil {
		s.deps.Redactor.Add(token)
	}

	in.Events.Emit(ctx, pipeline.EventRequest{
		EventType:  pipeline.EventFeatureSmoke,
		Workflow:   "feature-smoke-auth",
		Status:     "completed",
		Conclusion: "success",
		Message:    "Feature smoke auth token obtained.",
	})
	s.logf("[%s] auth bootstrap ok tenant=%s", s.Name(), tenantID)
	return map[string]string{
		"BASE_URL":       baseURL,
		"TENANT_ID":      tenantID,
		"ACCESS_TOKEN":   token,
		"SMOKE_EMAIL":    email,
		"SMOKE_PASSWORD": s.auth.Password,
	}, nil
}

type registerReply struct {
	Data struct {
		AccessToken string `json:"accessToken"`
	} `json:"data"`
}

func (s *FeatureSmoke) register(ctx context.Context, url string, payload map[string]string) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode register payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.deps.HTTP.Do(req)
	if err != nil {
		return "", &bootstrapError{lines: []string{"Smoke auth register failed", err.Error()}}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	excerpt := s.deps.Redactor.Redact(checks.Head(strings.TrimSpace(string(raw)), 1200))

	if resp.StatusCode >= 400 {
		return "", &bootstrapError{lines: []string{fmt.Sprintf("Smoke auth register failed (%d)", resp.StatusCode), excerpt}}
	}
	var reply registerReply
	if err := json.Unmarshal(raw, &reply); err != nil || strings.TrimSpace(reply.Data.AccessToken) == "" {
		return "", &bootstrapError{lines: []string{"Smoke auth accessToken not found", excerpt}}
	}
	return strings.TrimSpace(reply.Data.AccessToken), nil
}

// tenantID tries config, environment, the configured query command and
// finally a direct database lookup. It returns "" when every source fails.
func (s *FeatureSmoke) tenantID(ctx context.Context) string {
	if id := strings.TrimSpace(s.auth.TenantID); id != "" {
		return id
	}
	for _, name := range tenantEnvVars {
		if id := strings.TrimSpace(s.deps.Getenv(name)); id != "" {
			return id
		}
	}
	if cmd := strings.TrimSpace(s.auth.TenantIDQueryCommand); cmd != "" {
		s.logf("[%s] smoke tenant discovery start", s.Name())
		stdout, stderr, code, err := s.deps.Shell.Run(ctx, s.deps.Dir, cmd)
		if err == nil && code == 0 {
			if id := firstUUID(stdout); id != "" {
				return id
			}
			if id := firstUUID(stderr); id != "" {
				return id
			}
		}
	}
	if url := strings.TrimSpace(s.deps.Getenv(s.auth.DatabaseURLEnv)); url != "" {
		id, err := s.deps.Discover(ctx, url, s.auth.TenantQuery)
		if err == nil {
			return id
		}
		s.logf("[%s] tenant lookup failed: %v", s.Name(), s.deps.Redactor.Redact(err.Error()))
	}
	return ""
}

func firstUUID(text string) string {
	m := uuidPattern.FindString(text)
	if m == "" {
		return ""
	}
	id, err := uuid.Parse(m)
	if err != nil {
		return ""
	}
	return id.String()
}

func conclusion(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
