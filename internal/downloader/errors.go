package downloader

import "errors"

// Strategy-local failure classes. The orchestrator recovers all of these and
// either falls back to the next strategy or records a terminal failure.
var (
	ErrSubprocessFailed = errors.New("downloader subprocess failed")
	ErrFetchFailed      = errors.New("http fetch failed")
	ErrWriteFailed      = errors.New("file write failed")
	ErrArtifactNotFound = errors.New("downloaded artifact not found")
	ErrEmptyArtifact    = errors.New("downloaded artifact is empty")
)

// ProgressFunc receives normalized progress ticks from an adapter. Speed is
// in MB/s; zero means unknown.
type ProgressFunc func(percent float64, message string, speed float64)
