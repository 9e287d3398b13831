package tracker

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/lucasnoah/taintbridge/internal/checks"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

// CompletedMark replaces the status cell of a finished task.
const CompletedMark = "🟢 Completed"

var rowRe = regexp.MustCompile(`^\|\s*(\d+\.\d+)\s*\|\s*([^|]+?)\s*\|\s*([^|]+?)\s*\|`)

// Task is one row of the markdown tracker table.
type Task struct {
	Number string
	Title  string
	Status string
}

// Label is the task string passed through the pipeline, e.g. "2.11 Grades Module".
func (t Task) Label() string {
	return t.Number + " " + t.Title
}

// NotStarted reports whether the status cell marks the task as open.
func (t Task) NotStarted() bool {
	s := t.Status
	return strings.Contains(s, "Not Started") || strings.Contains(s, "⚪") || strings.TrimSpace(s) == "?"
}

// Parse returns every task row in tracker markdown, in file order.
func Parse(data []byte) []Task {
	var tasks []Task
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		m := rowRe.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		tasks = append(tasks, Task{Number: m[1], Title: m[2], Status: m[3]})
	}
	return tasks
}

// NextTask returns the first not-started task in the tracker at path, or nil
// when every task has been started.
func NextTask(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tracker: %w", err)
	}
	for _, t := range Parse(data) {
		if t.NotStarted() {
			return &t, nil
		}
	}
	return nil, nil
}

// MarkCompleted rewrites the row for taskNo: the status cell becomes
// CompletedMark and the following cell becomes date. It reports whether the
// file changed.
func MarkCompleted(path, taskNo, date string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read tracker: %w", err)
	}
	re := regexp.MustCompile(`^(\|\s*` + regexp.QuoteMeta(taskNo) + `\s*\|\s*[^|]+\|\s*)([^|]+?)(\s*\|\s*)([^|]+?)(\s*\|.*)$`)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	changed := false
	for i, line := range lines {
		m := re.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		updated := m[1] + CompletedMark + m[3] + date + m[5]
		if updated != line {
			lines[i] = updated
			changed = true
		}
	}
	if !changed {
		return false, nil
	}
	if err := pipeline.WriteAtomic(path, []byte(strings.Join(lines, "\n")+"\n")); err != nil {
		return false, err
	}
	return true, nil
}

var (
	headingRe  = regexp.MustCompile(`^#{1,6}\s+(.*)$`)
	checkboxRe = regexp.MustCompile(`^\s*[-*]\s+(?:\[[ xX]\]\s+)?(.+)$`)
)

// Subtasks returns the list items under the first heading that names taskNo,
// up to the next heading. Checkbox markers are stripped.
func Subtasks(data []byte, taskNo string) []string {
	numRe := regexp.MustCompile(`(^|[^\d.])` + regexp.QuoteMeta(taskNo) + `($|[^\d])`)
	var out []string
	inSection := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if h := headingRe.FindStringSubmatch(line); h != nil {
			if inSection {
				break
			}
			inSection = numRe.MatchString(h[1])
			continue
		}
		if !inSection {
			continue
		}
		if m := checkboxRe.FindStringSubmatch(line); m != nil {
			if item := strings.TrimSpace(m[1]); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

var (
	slugTrim  = regexp.MustCompile(`[^a-z0-9]+`)
	slugNoise = map[string]bool{"module": true, "modules": true, "feature": true, "crud": true}
)

// Slug derives the module directory name from a task title:
// "2.11 Grades Module" becomes "grades", "2.7 Class Schedule" becomes
// "class-schedule". It returns "" when nothing remains.
func Slug(task string) string {
	if no, ok := checks.TaskNumber(task); ok {
		task = strings.Replace(task, no, " ", 1)
	}
	var words []string
	for _, w := range strings.Fields(slugTrim.ReplaceAllString(strings.ToLower(task), " ")) {
		if !slugNoise[w] {
			words = append(words, w)
		}
	}
	return strings.Join(words, "-")
}

// Expand substitutes {slug} and {task_no} in a path template.
func Expand(tmpl, task string) string {
	no, _ := checks.TaskNumber(task)
	r := strings.NewReplacer("{slug}", Slug(task), "{task_no}", no)
	return r.Replace(tmpl)
}
