package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const RunDirectoryPrefix = "testrun-" // Standardized prefix for run directories

// RunDir returns the directory holding the artifacts of one run
func RunDir(baseDir, runID string) (string, error) {
	if runID == "" {
		return "", errors.New("runID cannot be empty")
	}
	if baseDir == "" {
		return "", errors.New("baseDir cannot be empty")
	}
	return filepath.Join(baseDir, RunDirectoryPrefix+runID), nil
}

// EnsureRunDir creates the run directory if needed and returns its path
func EnsureRunDir(baseDir, runID string) (string, error) {
	dir, err := RunDir(baseDir, runID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return dir, nil
}
