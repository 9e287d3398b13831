package github

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

// CmdRunner provides command execution. Interface for testing.
type CmdRunner interface {
	Run(args ...string) (string, error)
}

// ExecRunner runs gh commands via exec.
type ExecRunner struct {
	Dir string
}

func (r *ExecRunner) Run(args ...string) (string, error) {
	cmd := exec.Command("gh", args...)
	cmd.Dir = r.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Client provides GitHub Actions lookups through the gh CLI.
type Client struct {
	cmd CmdRunner
}

// NewClient creates a GitHub client.
func NewClient(cmd CmdRunner) *Client {
	return &Client{cmd: cmd}
}

// Version probes the gh CLI. A missing binary surfaces as exec.ErrNotFound.
func (c *Client) Version() (string, error) {
	out, err := c.cmd.Run("--version")
	if err != nil {
		return "", fmt.Errorf("gh unavailable: %w", err)
	}
	return strings.TrimSpace(strings.SplitN(out, "\n", 2)[0]), nil
}

type ghRun struct {
	DatabaseID   int64  `json:"databaseId"`
	WorkflowName string `json:"workflowName"`
	Status       string `json:"status"`
	Conclusion   string `json:"conclusion"`
	URL          string `json:"url"`
	HeadSha      string `json:"headSha"`
	DisplayTitle string `json:"displayTitle"`
}

// ListRuns returns the workflow runs for commit in repo. Runs whose head does
// not start with commit are dropped; when workflows is non-empty only those
// workflow names are kept. Unparseable output counts as no runs.
func (c *Client) ListRuns(repo, commit string, workflows []string) ([]pipeline.CIRun, error) {
	out, err := c.cmd.Run("run", "list",
		"--repo", repo,
		"--commit", commit,
		"--limit", "20",
		"--json", "databaseId,workflowName,status,conclusion,url,headSha,displayTitle")
	if err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", commit, err)
	}

	var raw []ghRun
	if strings.TrimSpace(out) != "" {
		if err := json.Unmarshal([]byte(out), &raw); err != nil {
			raw = nil
		}
	}

	keep := make(map[string]bool, len(workflows))
	for _, w := range workflows {
		if w = strings.TrimSpace(w); w != "" {
			keep[w] = true
		}
	}

	runs := []pipeline.CIRun{}
	for _, r := range raw {
		if !strings.HasPrefix(r.HeadSha, commit) {
			continue
		}
		if len(keep) > 0 && !keep[r.WorkflowName] {
			continue
		}
		runs = append(runs, pipeline.CIRun{
			ID:         r.DatabaseID,
			Workflow:   r.WorkflowName,
			Status:     r.Status,
			Conclusion: r.Conclusion,
			URL:        r.URL,
		})
	}
	return runs, nil
}

// Settled reports whether every run has completed.
func Settled(runs []pipeline.CIRun) bool {
	for _, r := range runs {
		if r.Status != "completed" {
			return false
		}
	}
	return true
}

// Failed returns the completed runs whose conclusion is not success, skipped
// or neutral.
func Failed(runs []pipeline.CIRun) []pipeline.CIRun {
	var failed []pipeline.CIRun
	for _, r := range runs {
		switch strings.ToLower(r.Conclusion) {
		case "success", "skipped", "neutral":
			continue
		}
		failed = append(failed, r)
	}
	return failed
}

var slugRe = regexp.MustCompile(`github\.com[:/]([^/]+)/([^/]+?)(?:\.git)?/?$`)

// RepoSlug extracts "owner/repo" from an https or ssh remote URL. It returns
// "" for non-GitHub remotes.
func RepoSlug(remoteURL string) string {
	m := slugRe.FindStringSubmatch(strings.TrimSpace(remoteURL))
	if m == nil {
		return ""
	}
	return m[1] + "/" + m[2]
}
