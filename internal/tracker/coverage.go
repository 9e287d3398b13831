package tracker

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const maxScanBytes = 256 * 1024

var (
	wordRe    = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9]{3,}`)
	stopWords = map[string]bool{
		"with": true, "from": true, "that": true, "this": true, "into": true,
		"page": true, "add": true, "create": true, "update": true, "implement": true,
		"support": true, "should": true, "must": true, "each": true, "list": true,
	}
	skipDirs = map[string]bool{"node_modules": true, ".git": true, "dist": true, "build": true, ".next": true, "coverage": true}
)

// Keywords returns the distinctive lowercase words of a subtask line.
func Keywords(subtask string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range wordRe.FindAllString(subtask, -1) {
		w = strings.ToLower(w)
		if stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// Coverage reports which subtasks have at least one keyword present in a
// file path or file body under the search roots. Subtasks without keywords
// count as covered.
func Coverage(repo string, roots []string, subtasks []string) (covered, missing []string, err error) {
	pending := make(map[int][]string, len(subtasks))
	for i, s := range subtasks {
		if kw := Keywords(s); len(kw) > 0 {
			pending[i] = kw
		}
	}

	match := func(text string) {
		for i, kws := range pending {
			for _, kw := range kws {
				if strings.Contains(text, kw) {
					delete(pending, i)
					break
				}
			}
		}
	}

	for _, root := range roots {
		if len(pending) == 0 {
			break
		}
		base := filepath.Join(repo, root)
		if _, statErr := os.Stat(base); statErr != nil {
			continue
		}
		walkErr := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if skipDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if len(pending) == 0 {
				return fs.SkipAll
			}
			rel, _ := filepath.Rel(repo, path)
			match(strings.ToLower(filepath.ToSlash(rel)))
			info, err := d.Info()
			if err != nil || info.Size() > maxScanBytes {
				return nil
			}
			body, err := os.ReadFile(path)
			if err != nil {
				return nil
			}
			match(strings.ToLower(string(body)))
			return nil
		})
		if walkErr != nil {
			return nil, nil, walkErr
		}
	}

	for i, s := range subtasks {
		if _, open := pending[i]; open {
			missing = append(missing, s)
		} else {
			covered = append(covered, s)
		}
	}
	return covered, missing, nil
}
