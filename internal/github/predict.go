package github

import "strings"

// Prediction is a path-based guess of whether a commit triggers CI.
type Prediction struct {
	Known      bool     `json:"known"`
	ExpectRuns bool     `json:"expect_runs"`
	Reason     string   `json:"reason"`
	Files      []string `json:"files"`
}

var (
	docsPrefixes = []string{"bridge/", "docReja/", ".vscode/", ".idea/"}
	docsSuffixes = []string{".md", ".txt"}
	codePrefixes = []string{"apps/", "packages/", "tooling/"}
)

// PredictCI classifies the files changed by a commit. Only a known prediction
// that expects no runs lets the CI stage skip waiting.
func PredictCI(files []string) Prediction {
	if len(files) == 0 {
		return Prediction{ExpectRuns: true, Reason: "changed files unknown", Files: []string{}}
	}
	normalized := make([]string, len(files))
	for i, f := range files {
		normalized[i] = strings.ReplaceAll(f, "\\", "/")
	}

	docsOnly := true
	for _, p := range normalized {
		if !hasAnyPrefix(p, docsPrefixes) && !hasAnySuffix(p, docsSuffixes) {
			docsOnly = false
			break
		}
	}
	if docsOnly {
		return Prediction{Known: true, Reason: "docs/bridge-only commit", Files: normalized}
	}

	for _, p := range normalized {
		if strings.HasPrefix(p, ".github/workflows/") {
			return Prediction{Known: true, ExpectRuns: true, Reason: "workflow files changed", Files: normalized}
		}
	}
	for _, p := range normalized {
		if hasAnyPrefix(p, codePrefixes) {
			return Prediction{Known: true, ExpectRuns: true, Reason: "app/package/tooling code changed", Files: normalized}
		}
	}
	return Prediction{ExpectRuns: true, Reason: "CI trigger undetermined from paths", Files: normalized}
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, p := range suffixes {
		if strings.HasSuffix(s, p) {
			return true
		}
	}
	return false
}
