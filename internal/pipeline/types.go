package pipeline

// Status is the outcome field shared by jobs and stage results.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusError   Status = "error"
	StatusRunning Status = "running"
	StatusQueued  Status = "queued"
)

// NextAction tells the caller whether the pipeline may continue.
type NextAction string

const (
	Proceed     NextAction = "proceed"
	FixRequired NextAction = "fix_required"
)

// JobStage is the position of a job in the verification host's state machine.
type JobStage string

const (
	JobQueued    JobStage = "queued"
	JobRunning   JobStage = "running"
	JobCompleted JobStage = "completed"
	JobError     JobStage = "error"
)

var jobStageOrder = map[JobStage]int{
	JobQueued:    0,
	JobRunning:   1,
	JobCompleted: 2,
}

// Terminal reports whether no further transitions are expected.
func (s JobStage) Terminal() bool {
	return s == JobCompleted || s == JobError
}

// CanAdvanceTo reports whether moving from s to next respects the forward-only
// order queued → running → completed, with error reachable from any
// non-terminal stage. Rewriting the same stage is allowed.
func (s JobStage) CanAdvanceTo(next JobStage) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	if next == JobError {
		return true
	}
	cur, ok1 := jobStageOrder[s]
	nxt, ok2 := jobStageOrder[next]
	return ok1 && ok2 && nxt > cur
}

// Event types written to a job's timeline.
const (
	EventHello        = "hello"
	EventCIStatus     = "ci_status"
	EventDeployStatus = "deploy_status"
	EventRuntime      = "runtime_status"
	EventFeatureSmoke = "feature_smoke_status"
	EventReview       = "review_status"
	EventPipeline     = "pipeline_status"
	EventParseError   = "parse_error"
)

// Stage names as they appear in StageResult.Stage.
const (
	StageImplementation = "implementation_check"
	StageSubtasks       = "subtask_check"
	StageLocalSmoke     = "local_smoke"
	StagePreflight      = "bridge_preflight"
	StagePush           = "push"
	StageCI             = "github_ci"
	StageDeploy         = "dokploy_deploy"
	StageHealth         = "runtime_health"
	StageFeatureSmoke   = "post_deploy_smoke"
	StageReview         = "remote_review"
	StageTracker        = "tracker_update"
	StageAutoFix        = "auto_fix"
)

// Job is the full snapshot of one job on the verification host.
type Job struct {
	JobID          string          `json:"job_id"`
	Task           string          `json:"task"`
	Commit         string          `json:"commit"`
	Stage          JobStage        `json:"stage"`
	Status         Status          `json:"status"`
	TestsPassed    bool            `json:"tests_passed"`
	NextAction     NextAction      `json:"next_action"`
	Errors         []string        `json:"errors"`
	Warnings       []string        `json:"warnings"`
	Suggestions    []string        `json:"suggestions"`
	QueuedAt       int64           `json:"queued_at,omitempty"`
	StartedAt      int64           `json:"started_at,omitempty"`
	FinishedAt     int64           `json:"finished_at,omitempty"`
	CheckSet       string          `json:"check_set,omitempty"`
	Checks         []CheckResult   `json:"checks,omitempty"`
	Review         *Review         `json:"review,omitempty"`
	SessionContext *SessionContext `json:"session_context,omitempty"`
}

// Normalize forces next_action to agree with status and replaces nil lists.
func (j *Job) Normalize() *Job {
	j.NextAction = nextActionFor(j.Status)
	if j.Status != StatusSuccess {
		j.TestsPassed = false
	}
	j.Errors = nonNil(j.Errors)
	j.Warnings = nonNil(j.Warnings)
	j.Suggestions = nonNil(j.Suggestions)
	return j
}

// Review is the verdict returned by the server-side review agent.
type Review struct {
	Status      Status     `json:"status"`
	TestsPassed bool       `json:"tests_passed"`
	Errors      []string   `json:"errors"`
	Warnings    []string   `json:"warnings"`
	Suggestions []string   `json:"suggestions"`
	NextAction  NextAction `json:"next_action"`
	Message     string     `json:"message,omitempty"`
	RawOutput   string     `json:"raw_output,omitempty"`
}

// SessionContext is an excerpt of the originating agent session sent with a
// trigger so the review agent sees recent conversation.
type SessionContext struct {
	SourcePath   string `json:"source_path,omitempty"`
	MessageCount int    `json:"message_count"`
	Excerpt      string `json:"excerpt"`
	Error        string `json:"error,omitempty"`
}

// Event is one timeline entry for a job.
type Event struct {
	JobID      string `json:"job_id"`
	EventType  string `json:"event_type"`
	Task       string `json:"task,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Workflow   string `json:"workflow,omitempty"`
	Status     string `json:"status,omitempty"`
	Conclusion string `json:"conclusion,omitempty"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
	Raw        string `json:"raw,omitempty"`
}

// CheckResult is one executed verification command. It is created once by the
// stage that ran it and only ever appended to that stage's list.
type CheckResult struct {
	Name            string  `json:"name,omitempty"`
	Command         string  `json:"command"`
	RenderedCommand string  `json:"rendered_command"`
	ReturnCode      int     `json:"returncode"`
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	DurationSeconds float64 `json:"duration"`
	HTTPStatus      *int    `json:"http_status,omitempty"`
	Source          string  `json:"source,omitempty"`
	RepairRetry     bool    `json:"repair_retry,omitempty"`
}

// Passed reports whether the command exited zero and no embedded HTTP status
// signalled a client or server error.
func (c CheckResult) Passed() bool {
	if c.ReturnCode != 0 {
		return false
	}
	return c.HTTPStatus == nil || *c.HTTPStatus < 400
}

// StageResult is the uniform outcome every pipeline stage produces.
type StageResult struct {
	Status      Status       `json:"status"`
	TestsPassed bool         `json:"tests_passed"`
	Errors      []string     `json:"errors"`
	Warnings    []string     `json:"warnings"`
	Suggestions []string     `json:"suggestions"`
	NextAction  NextAction   `json:"next_action"`
	Stage       string       `json:"stage"`
	Task        string       `json:"task"`
	Commit      string       `json:"commit"`
	JobID       string       `json:"job_id,omitempty"`
	Detail      *StageDetail `json:"detail,omitempty"`
}

// StageDetail is a tagged variant: Kind names the stage and only the field
// belonging to that stage is populated.
type StageDetail struct {
	Kind           string                `json:"kind"`
	CheckSet       string                `json:"check_set,omitempty"`
	Notes          []string              `json:"notes,omitempty"`
	Checks         []CheckResult         `json:"checks,omitempty"`
	CI             *CIDetail             `json:"ci,omitempty"`
	Deploy         []DeployTarget        `json:"deploy,omitempty"`
	Health         []HealthProbe         `json:"health,omitempty"`
	Job            *Job                  `json:"job,omitempty"`
	Implementation *ImplementationDetail `json:"implementation,omitempty"`
	Subtasks       *SubtaskDetail        `json:"subtasks,omitempty"`
	Push           *PushDetail           `json:"push,omitempty"`
	Tracker        *TrackerDetail        `json:"tracker,omitempty"`
	AutoFix        *AutoFixDetail        `json:"auto_fix,omitempty"`
}

// CIRun is one CI provider run observed for a commit.
type CIRun struct {
	ID         int64  `json:"id"`
	Workflow   string `json:"workflow"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	URL        string `json:"url,omitempty"`
}

// CIDetail records what the CI wait observed.
type CIDetail struct {
	Repo          string  `json:"repo"`
	Runs          []CIRun `json:"runs"`
	Expected      bool    `json:"expected"`
	Prediction    string  `json:"prediction"`
	SkippedNoRuns bool    `json:"skipped_no_runs,omitempty"`
	Waited        float64 `json:"waited_seconds"`
}

// DeployTarget records one deploy hook invocation.
type DeployTarget struct {
	Name       string `json:"name"`
	StatusCode int    `json:"status_code"`
	Error      string `json:"error,omitempty"`
}

// HealthProbe records the last observation of one runtime health URL.
type HealthProbe struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	ExpectStatus int    `json:"expect_status"`
	LastStatus   int    `json:"last_status"`
	Attempts     int    `json:"attempts"`
	OK           bool   `json:"ok"`
	Error        string `json:"error,omitempty"`
}

// ImplementationDetail records which expected paths exist.
type ImplementationDetail struct {
	Expected []string `json:"expected"`
	Found    []string `json:"found"`
	Missing  []string `json:"missing"`
}

// SubtaskDetail records keyword coverage of tracker subtasks.
type SubtaskDetail struct {
	Total   int      `json:"total"`
	Covered int      `json:"covered"`
	Missing []string `json:"missing"`
}

// PushDetail records the pushed branch and commit.
type PushDetail struct {
	Remote string `json:"remote"`
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

// TrackerDetail records the tracker update.
type TrackerDetail struct {
	File      string `json:"file"`
	Updated   bool   `json:"updated"`
	Committed bool   `json:"committed"`
}

// AutoFixDetail records one repair attempt between pipeline attempts.
type AutoFixDetail struct {
	Attempt    int      `json:"attempt"`
	Allowlist  []string `json:"allowlist"`
	Refused    []string `json:"refused,omitempty"`
	HeadBefore string   `json:"head_before"`
	HeadAfter  string   `json:"head_after"`
}

// Proceed reports whether the pipeline may continue past this result.
func (r *StageResult) Proceed() bool {
	return r != nil && r.NextAction == Proceed
}

// Normalize enforces next_action = proceed iff status = success. An empty
// status is treated as an error.
func (r *StageResult) Normalize() *StageResult {
	if r.Status == "" {
		r.Status = StatusError
	}
	r.NextAction = nextActionFor(r.Status)
	if r.Status != StatusSuccess {
		r.TestsPassed = false
	}
	r.Errors = nonNil(r.Errors)
	r.Warnings = nonNil(r.Warnings)
	r.Suggestions = nonNil(r.Suggestions)
	return r
}

// Success builds a passing result for stage.
func Success(stage, task, commit string) *StageResult {
	r := &StageResult{
		Status:      StatusSuccess,
		TestsPassed: true,
		Stage:       stage,
		Task:        task,
		Commit:      commit,
	}
	return r.Normalize()
}

// Failure builds a failing result for stage.
func Failure(stage, task, commit string, errs []string, suggestions ...string) *StageResult {
	r := &StageResult{
		Status:      StatusFailure,
		Stage:       stage,
		Task:        task,
		Commit:      commit,
		Errors:      errs,
		Suggestions: suggestions,
	}
	return r.Normalize()
}

// FromJob converts a terminal job snapshot into a stage result.
func FromJob(stage string, j *Job) *StageResult {
	r := &StageResult{
		Status:      j.Status,
		TestsPassed: j.TestsPassed,
		Errors:      append([]string(nil), j.Errors...),
		Warnings:    append([]string(nil), j.Warnings...),
		Suggestions: append([]string(nil), j.Suggestions...),
		Stage:       stage,
		Task:        j.Task,
		Commit:      j.Commit,
		JobID:       j.JobID,
		Detail:      &StageDetail{Kind: stage, Job: j},
	}
	return r.Normalize()
}

func nextActionFor(s Status) NextAction {
	if s == StatusSuccess {
		return Proceed
	}
	return FixRequired
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
