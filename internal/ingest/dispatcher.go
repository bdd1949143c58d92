package ingest

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"mediafetch/internal/downloader"
)

const (
	// DefaultStreamThreshold routes payloads at or above 2 GiB to the
	// incremental path.
	DefaultStreamThreshold = 2 << 30

	chunkSize        = 4 * 1024 * 1024
	progressInterval = time.Second
	progressBytes    = 64 * 1024 * 1024
)

// Dispatcher writes locally supplied payloads to disk, choosing between a
// buffered fast path and an incremental streamed path based on declared size.
// Both paths share the acquisition pipeline's progress contract.
type Dispatcher struct {
	logger    *slog.Logger
	threshold int64
}

func NewDispatcher(logger *slog.Logger, threshold int64) *Dispatcher {
	if threshold <= 0 {
		threshold = DefaultStreamThreshold
	}
	return &Dispatcher{logger: logger, threshold: threshold}
}

// UseStreaming reports which write path a declared size takes. Exactly at the
// threshold the streamed path wins.
func (d *Dispatcher) UseStreaming(declaredSize int64) bool {
	return declaredSize >= d.threshold
}

// Ingest persists r to destPath. declaredSize picks the write strategy; the
// streamed path reports periodic progress, the buffered path a single tick.
func (d *Dispatcher) Ingest(r io.Reader, declaredSize int64, destPath string, onProgress downloader.ProgressFunc) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("%w: %v", downloader.ErrWriteFailed, err)
	}

	var err error
	if d.UseStreaming(declaredSize) {
		err = d.ingestStreamed(r, declaredSize, destPath, onProgress)
	} else {
		err = d.ingestBuffered(r, destPath, onProgress)
	}
	if err != nil {
		_ = os.Remove(destPath)
		return err
	}

	info, statErr := os.Stat(destPath)
	if statErr != nil {
		return fmt.Errorf("%w: %v", downloader.ErrArtifactNotFound, statErr)
	}
	if info.Size() == 0 {
		_ = os.Remove(destPath)
		return downloader.ErrEmptyArtifact
	}
	return nil
}

// ingestBuffered reads the whole payload into memory and writes it in one
// call. Lower overhead for the common, sub-threshold sizes.
func (d *Dispatcher) ingestBuffered(r io.Reader, destPath string, onProgress downloader.ProgressFunc) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: %v", downloader.ErrFetchFailed, err)
	}
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", downloader.ErrWriteFailed, err)
	}
	if onProgress != nil {
		onProgress(85, "upload saved", 0)
	}
	return nil
}

// ingestStreamed copies the payload chunk by chunk. os.File writes block
// until the kernel accepts each chunk, which is the backpressure we need:
// the reader is never more than one chunk ahead of the disk.
func (d *Dispatcher) ingestStreamed(r io.Reader, declaredSize int64, destPath string, onProgress downloader.ProgressFunc) error {
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("%w: %v", downloader.ErrWriteFailed, err)
	}
	defer out.Close()

	start := time.Now()
	lastReport := start
	var written, lastReportedBytes int64

	buf := make([]byte, chunkSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("%w: %v", downloader.ErrWriteFailed, writeErr)
			}
			written += int64(n)

			if time.Since(lastReport) >= progressInterval || written-lastReportedBytes >= progressBytes {
				d.report(written, declaredSize, start, onProgress)
				lastReport = time.Now()
				lastReportedBytes = written
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("%w: %v", downloader.ErrFetchFailed, readErr)
		}
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("%w: %v", downloader.ErrWriteFailed, err)
	}
	d.report(written, declaredSize, start, onProgress)
	return nil
}

func (d *Dispatcher) report(written, declaredSize int64, start time.Time, onProgress downloader.ProgressFunc) {
	elapsed := time.Since(start).Seconds()
	speed := 0.0
	if elapsed > 0 {
		speed = float64(written) / elapsed / (1024 * 1024)
	}

	percent := 85.0
	if declaredSize > 0 && written < declaredSize {
		percent = float64(written) / float64(declaredSize) * 85
	}

	d.logger.Debug("ingest progress", "written", written, "speed_mbps", speed)
	if onProgress != nil {
		onProgress(percent, "writing upload", speed)
	}
}
