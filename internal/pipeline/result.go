package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
)

// LastResultFile is the file name of the latest terminal stage result.
const LastResultFile = "last_bridge_result.json"

// LastResultPath returns the last-result path under stateDir.
func LastResultPath(stateDir string) string {
	return filepath.Join(stateDir, LastResultFile)
}

// WriteLastResult atomically records res as the latest terminal result.
func WriteLastResult(path string, res *StageResult) error {
	if err := WriteJSON(path, res.Normalize()); err != nil {
		return fmt.Errorf("write last result: %w", err)
	}
	return nil
}

// ReadLastResult loads the latest terminal result, or ErrNotFound.
func ReadLastResult(path string) (*StageResult, error) {
	var res StageResult
	if err := ReadJSON(path, &res); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("last result: %w", ErrNotFound)
		}
		return nil, err
	}
	return &res, nil
}
