package stage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/lucasnoah/taintbridge/internal/client"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

// Input is everything a stage may read besides its own configuration. Push
// fills in Commit for the stages after it.
type Input struct {
	Task   string
	Commit string
	JobID  string
	Events *client.Emitter
}

// Stage is one step of the client pipeline. Run returns nil when the stage
// is not configured and should be skipped; otherwise the result is already
// normalized.
type Stage interface {
	Name() string
	Run(ctx context.Context, in *Input) *pipeline.StageResult
}

// progress holds the optional live progress writer shared by every stage.
type progress struct {
	w io.Writer // nil = silent
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (p *progress) SetProgress(w io.Writer) {
	p.w = w
}

func (p *progress) logf(format string, args ...any) {
	if p.w != nil {
		fmt.Fprintf(p.w, "  → "+format+"\n", args...)
	}
}

func withDetail(res *pipeline.StageResult, d *pipeline.StageDetail) *pipeline.StageResult {
	d.Kind = res.Stage
	res.Detail = d
	return res
}

func resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, filepath.FromSlash(p))
}
