package worktree

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.Command. Output keeps leading
// whitespace, which porcelain status lines depend on; only the trailing
// newline is removed.
type ExecGit struct{}

func (g *ExecGit) Run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	text := strings.TrimRight(string(out), "\r\n")
	if err != nil {
		return text, fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(text), err)
	}
	return text, nil
}

// Repo wraps the originating host's working tree.
type Repo struct {
	git GitRunner
	dir string
}

// NewRepo creates a Repo rooted at dir.
func NewRepo(git GitRunner, dir string) *Repo {
	return &Repo{git: git, dir: dir}
}

// Dir returns the repository root.
func (r *Repo) Dir() string { return r.dir }

// Head returns the full hash of HEAD.
func (r *Repo) Head() (string, error) {
	out, err := r.git.Run(r.dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// DirtyPaths lists every path with uncommitted changes, untracked files
// included. Both sides of a rename are reported.
func (r *Repo) DirtyPaths() ([]string, error) {
	out, err := r.git.Run(r.dir, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	return parsePorcelain(out), nil
}

func parsePorcelain(out string) []string {
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if from, to, ok := strings.Cut(path, " -> "); ok {
			paths = append(paths, unquote(from), unquote(to))
			continue
		}
		paths = append(paths, unquote(path))
	}
	return paths
}

func unquote(p string) string {
	if len(p) >= 2 && p[0] == '"' && p[len(p)-1] == '"' {
		if s, err := strconv.Unquote(p); err == nil {
			return s
		}
	}
	return p
}

// Push pushes HEAD to remote/branch and returns the pushed commit.
func (r *Repo) Push(remote, branch string) (string, error) {
	if _, err := r.git.Run(r.dir, "push", remote, "HEAD:"+branch); err != nil {
		return "", fmt.Errorf("push %s %s: %w", remote, branch, err)
	}
	return r.Head()
}

// ChangedFiles lists the paths touched by commit, with forward slashes.
func (r *Repo) ChangedFiles(commit string) ([]string, error) {
	out, err := r.git.Run(r.dir, "diff-tree", "--no-commit-id", "--name-only", "-r", commit)
	if err != nil {
		return nil, fmt.Errorf("list files of %s: %w", commit, err)
	}
	return splitLines(out), nil
}

// ChangedBetween lists the paths that differ between two commits.
func (r *Repo) ChangedBetween(from, to string) ([]string, error) {
	if from == to {
		return nil, nil
	}
	out, err := r.git.Run(r.dir, "diff", "--name-only", from, to)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", from, to, err)
	}
	return splitLines(out), nil
}

// CommitCount counts commits reachable from to but not from.
func (r *Repo) CommitCount(from, to string) (int, error) {
	if from == to {
		return 0, nil
	}
	out, err := r.git.Run(r.dir, "rev-list", "--count", from+".."+to)
	if err != nil {
		return 0, fmt.Errorf("count commits %s..%s: %w", from, to, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("count commits: unexpected output %q", out)
	}
	return n, nil
}

// RemoteURL returns the fetch URL of remote.
func (r *Repo) RemoteURL(remote string) (string, error) {
	out, err := r.git.Run(r.dir, "remote", "get-url", remote)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// DiffExcerpt returns status, the last commit's stat and its diff, capped
// at maxChars. Failing commands are skipped.
func (r *Repo) DiffExcerpt(maxChars int) string {
	cmds := [][]string{
		{"status", "--short"},
		{"show", "--stat", "--name-only", "--oneline", "-1"},
		{"diff", "--unified=1", "HEAD~1", "HEAD"},
	}
	var chunks []string
	for _, args := range cmds {
		out, err := r.git.Run(r.dir, args...)
		if err != nil {
			continue
		}
		if out = strings.TrimSpace(out); out != "" {
			chunks = append(chunks, "$ git "+strings.Join(args, " ")+"\n"+out)
		}
	}
	joined := strings.Join(chunks, "\n\n")
	if maxChars > 3 && len(joined) > maxChars {
		joined = joined[:maxChars-3] + "..."
	}
	return joined
}

// CommitPaths stages paths and commits them with message. It reports false
// without error when nothing was staged.
func (r *Repo) CommitPaths(message string, paths ...string) (bool, error) {
	args := append([]string{"add", "--"}, paths...)
	if _, err := r.git.Run(r.dir, args...); err != nil {
		return false, fmt.Errorf("stage %v: %w", paths, err)
	}
	staged, err := r.git.Run(r.dir, "diff", "--cached", "--name-only")
	if err != nil {
		return false, fmt.Errorf("list staged: %w", err)
	}
	if strings.TrimSpace(staged) == "" {
		return false, nil
	}
	if _, err := r.git.Run(r.dir, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func splitLines(out string) []string {
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, strings.ReplaceAll(l, "\\", "/"))
		}
	}
	return lines
}
