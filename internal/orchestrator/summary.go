package orchestrator

import (
	"fmt"
	"io"
	"strings"

	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

var rule = strings.Repeat("=", 60)

// PrintSummary writes the human-readable block for a terminal result.
func PrintSummary(w io.Writer, res *pipeline.StageResult) {
	tests := "FAIL"
	if res.TestsPassed {
		tests = "PASS"
	}
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "STATUS: %s\n", strings.ToUpper(string(res.Status)))
	fmt.Fprintf(w, "TESTS:  %s\n", tests)
	fmt.Fprintf(w, "TASK:   %s\n", res.Task)
	fmt.Fprintf(w, "COMMIT: %s\n", shortCommit(res.Commit))
	section(w, "ERRORS", res.Errors)
	section(w, "WARNINGS", res.Warnings)
	section(w, "SUGGESTIONS", res.Suggestions)
	fmt.Fprintf(w, "NEXT_ACTION: %s\n", res.NextAction)
	fmt.Fprintln(w, rule)
}

func section(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintln(w, title+":")
	for _, item := range items {
		fmt.Fprintf(w, "- %s\n", item)
	}
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
