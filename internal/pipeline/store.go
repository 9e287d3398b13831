package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// ErrNotFound is returned when no snapshot exists for a job id.
var ErrNotFound = errors.New("not found")

// ErrStageRegression is returned by Advance when the stored snapshot is
// already past the stage being written.
var ErrStageRegression = errors.New("stage regression")

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateJobID rejects ids that cannot be used as a file name.
func ValidateJobID(id string) error {
	if !jobIDPattern.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("invalid job id %q", id)
	}
	return nil
}

// JobStore maps job ids to their latest snapshot, one JSON file per job.
type JobStore struct {
	mu      sync.Mutex
	baseDir string
}

// NewJobStore creates a JobStore rooted at baseDir.
func NewJobStore(baseDir string) *JobStore {
	return &JobStore{baseDir: baseDir}
}

// DefaultJobStore returns a JobStore under stateDir/results.
func DefaultJobStore(stateDir string) (*JobStore, error) {
	dir := filepath.Join(stateDir, "results")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &JobStore{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *JobStore) BaseDir() string {
	return s.baseDir
}

func (s *JobStore) jobPath(id string) string {
	return filepath.Join(s.baseDir, id+".json")
}

// Write replaces the snapshot for job.JobID. Writes are serialized and atomic;
// the last write wins.
func (s *JobStore) Write(job *Job) error {
	if err := ValidateJobID(job.JobID); err != nil {
		return err
	}
	job.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := WriteJSON(s.jobPath(job.JobID), job); err != nil {
		return fmt.Errorf("write job %s: %w", job.JobID, err)
	}
	return nil
}

// Advance writes job only when its stage may follow the stored snapshot's
// stage (see JobStage.CanAdvanceTo). prev is the snapshot that was stored
// before the call, nil when there was none. A rejected write leaves the store
// untouched and returns ErrStageRegression together with prev.
func (s *JobStore) Advance(job *Job) (prev *Job, err error) {
	if err := ValidateJobID(job.JobID); err != nil {
		return nil, err
	}
	job.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.jobPath(job.JobID)
	var cur Job
	switch err := ReadJSON(path, &cur); {
	case err == nil:
		prev = &cur
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read job %s: %w", job.JobID, err)
	}
	if prev != nil && !prev.Stage.CanAdvanceTo(job.Stage) {
		return prev, fmt.Errorf("job %s %s -> %s: %w", job.JobID, prev.Stage, job.Stage, ErrStageRegression)
	}
	if err := WriteJSON(path, job); err != nil {
		return prev, fmt.Errorf("write job %s: %w", job.JobID, err)
	}
	return prev, nil
}

// Read returns the latest snapshot for id, or ErrNotFound when none has been
// written yet.
func (s *JobStore) Read(id string) (*Job, error) {
	if err := ValidateJobID(id); err != nil {
		return nil, err
	}
	var job Job
	if err := ReadJSON(s.jobPath(id), &job); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &job, nil
}
