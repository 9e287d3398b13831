package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// ErrUnavailable means the agent binary could not be started at all.
var ErrUnavailable = errors.New("agent unavailable")

// Exec abstracts process execution. Interface for testing.
type Exec interface {
	Run(ctx context.Context, dir string, name string, args ...string) (stdout string, stderr string, exitCode int, err error)
}

// OSExec implements Exec using exec.CommandContext.
type OSExec struct{}

func (OSExec) Run(ctx context.Context, dir string, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdoutBuf.String(), stderrBuf.String(), exitErr.ExitCode(), nil
		}
		return stdoutBuf.String(), stderrBuf.String(), -1, err
	}
	return stdoutBuf.String(), stderrBuf.String(), 0, nil
}

// Outcome classifies one invocation attempt.
type Outcome int

const (
	// Succeeded means the agent exited zero.
	Succeeded Outcome = iota
	// Incompatible means this CLI version rejected the argument shape; the
	// next variant should be tried.
	Incompatible
	// Failed is a real failure; no further variants are tried.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Incompatible:
		return "incompatible"
	}
	return "failed"
}

// incompatibleMarkers are stderr fragments that mean "wrong flags for this
// CLI version" rather than "the agent ran and failed".
var incompatibleMarkers = []string{
	"unexpected argument '--no-interactive'",
	"unknown option '--no-interactive'",
	"unexpected argument '-q'",
	"unknown option '-q'",
	"unrecognized subcommand 'exec'",
}

// Classify maps an exit code and stderr to an Outcome.
func Classify(exitCode int, stderr string) Outcome {
	if exitCode == 0 {
		return Succeeded
	}
	lowered := strings.ToLower(stderr)
	for _, m := range incompatibleMarkers {
		if strings.Contains(lowered, m) {
			return Incompatible
		}
	}
	return Failed
}

// promptArg marks where the prompt goes in a variant.
const promptArg = "{prompt}"

// ServerVariants are tried in order on the verification host.
var ServerVariants = [][]string{
	{"exec", "--skip-git-repo-check", "--color", "never", promptArg},
	{"exec", "--color", "never", promptArg},
	{"--no-interactive", "-q", promptArg},
	{"-q", promptArg},
	{promptArg},
}

// ClientVariants are tried in order on the originating host, where the agent
// is allowed to edit the working tree.
var ClientVariants = [][]string{
	{"exec", "-s", "danger-full-access", "-a", "never", "--color", "never", promptArg},
	{"exec", "--dangerously-bypass-approvals-and-sandbox", "--color", "never", promptArg},
	{"-s", "danger-full-access", "-a", "never", "--no-interactive", "-q", promptArg},
	{"-s", "danger-full-access", "-a", "never", "-q", promptArg},
	{"-s", "danger-full-access", "-a", "never", promptArg},
	{"--no-interactive", "-q", promptArg},
	{"-q", promptArg},
	{promptArg},
}

// Result is the output of the variant that ended the probe loop.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Outcome  Outcome
	Variant  int
}

// RunError reports a real agent failure.
type RunError struct {
	ExitCode int
	Detail   string
}

func (e *RunError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("agent exited %d", e.ExitCode)
	}
	return fmt.Sprintf("agent exited %d: %s", e.ExitCode, e.Detail)
}

// CLI runs prompts through the external agent binary.
type CLI struct {
	exec     Exec
	binary   string
	dir      string
	variants [][]string
	progress io.Writer
}

// NewCLI creates a CLI that tries variants in order.
func NewCLI(exec Exec, binary, dir string, variants [][]string) *CLI {
	if binary == "" {
		binary = "codex"
	}
	return &CLI{exec: exec, binary: binary, dir: dir, variants: variants}
}

// SetProgress sets a writer for live progress output; nil is silent.
func (c *CLI) SetProgress(w io.Writer) {
	c.progress = w
}

// Dir is the working directory the agent runs in.
func (c *CLI) Dir() string { return c.dir }

func (c *CLI) logf(format string, args ...any) {
	if c.progress != nil {
		fmt.Fprintf(c.progress, "  → "+format+"\n", args...)
	}
}

// Prompt runs prompt through each variant until one is not Incompatible.
// It returns ErrUnavailable when the binary cannot be started and a
// *RunError when the agent ran and failed; the Result is returned with both
// so callers can inspect output.
func (c *CLI) Prompt(ctx context.Context, prompt string, timeout time.Duration) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var last *Result
	for i, v := range c.variants {
		args := make([]string, len(v))
		for j, a := range v {
			if a == promptArg {
				a = prompt
			}
			args[j] = a
		}
		stdout, stderr, code, err := c.exec.Run(ctx, c.dir, c.binary, args...)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("agent %s: %w", c.binary, ctx.Err())
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, c.binary, err)
		}
		last = &Result{Stdout: stdout, Stderr: stderr, ExitCode: code, Outcome: Classify(code, stderr), Variant: i}
		switch last.Outcome {
		case Succeeded:
			return last, nil
		case Incompatible:
			c.logf("agent variant %d incompatible, trying next", i)
			continue
		}
		return last, &RunError{ExitCode: code, Detail: firstNonEmpty(stderr, stdout)}
	}
	if last == nil {
		return nil, fmt.Errorf("%w: no invocation variants configured", ErrUnavailable)
	}
	return last, &RunError{ExitCode: last.ExitCode, Detail: firstNonEmpty(last.Stderr, last.Stdout)}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			if len(s) > 500 {
				s = s[:500]
			}
			return s
		}
	}
	return ""
}
