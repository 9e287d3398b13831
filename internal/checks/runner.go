package checks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strings"
	"time"

	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

// DefaultTimeout applies when a Command carries no timeout of its own.
const DefaultTimeout = 20 * time.Minute

// Command sources recorded on each CheckResult.
const (
	SourceExplicit = "explicit"
	SourceDynamic  = "dynamic"
	SourceRepair   = "repair"
	SourceServer   = "server"
)

// Command is one command to execute. Rendered is the text after placeholder
// substitution; when empty, Command is executed as-is.
type Command struct {
	Name     string
	Command  string
	Rendered string
	Source   string
	Timeout  time.Duration
}

func (c Command) text() string {
	if c.Rendered != "" {
		return c.Rendered
	}
	return c.Command
}

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Runner executes commands and captures their results.
type Runner struct {
	cmd      CommandRunner
	now      func() time.Time
	progress io.Writer // live progress output; nil = silent
}

// NewRunner creates a Runner with the given command runner.
func NewRunner(cmd CommandRunner) *Runner {
	return &Runner{cmd: cmd, now: time.Now}
}

// Run executes a single command in dir. It never returns an error: a command
// that cannot be started, or that times out, is reported as a failed
// CheckResult with ReturnCode -1 and the reason in Stderr.
func (r *Runner) Run(ctx context.Context, dir string, c Command) pipeline.CheckResult {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text := c.text()
	start := r.now()
	stdout, stderr, exitCode, err := r.cmd.Run(ctx, dir, text)
	elapsed := r.now().Sub(start)

	res := pipeline.CheckResult{
		Name:            c.Name,
		Command:         c.Command,
		RenderedCommand: text,
		ReturnCode:      exitCode,
		Stdout:          stdout,
		Stderr:          stderr,
		DurationSeconds: math.Round(elapsed.Seconds()*100) / 100,
		Source:          c.Source,
		RepairRetry:     c.Source == SourceRepair,
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ReturnCode = -1
		res.Stderr = appendLine(stderr, fmt.Sprintf("timeout after %s", timeout))
	case err != nil:
		res.ReturnCode = -1
		res.Stderr = appendLine(stderr, err.Error())
	}

	if IsHTTPProbe(text) {
		res.HTTPStatus = SniffHTTPStatus(stdout + "\n" + stderr)
	}
	return res
}

func appendLine(s, line string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s + line
	}
	return s + "\n" + line
}
