package downloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"time"
)

const (
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	// Known-length downloads reserve headroom above this for post-processing.
	knownLengthCap = 85
	// Unknown-length progress is synthetic and never claims near-completion.
	unknownLengthCap = 80

	copyChunkSize     = 256 * 1024
	throttleMinDelta  = 5
	throttleMinPeriod = 500 * time.Millisecond
)

// HTTPStream downloads a URL straight to disk, deriving progress from the
// declared content length when available and from elapsed time otherwise.
type HTTPStream struct {
	logger *slog.Logger
	client *http.Client
}

func NewHTTPStream(logger *slog.Logger, timeout time.Duration) *HTTPStream {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPStream{
		logger: logger,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
				ResponseHeaderTimeout: timeout,
				TLSHandshakeTimeout:   timeout,
			},
		},
	}
}

// Download fetches rawURL into destPath. Progress ticks are throttled so the
// callback fires only on meaningful change.
func (h *HTTPStream) Download(ctx context.Context, rawURL, destPath string, onProgress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: unexpected status %d", ErrFetchFailed, resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	defer out.Close()

	if resp.ContentLength > 0 {
		err = h.copyExact(ctx, out, resp.Body, resp.ContentLength, onProgress)
	} else {
		err = h.copyApprox(ctx, out, resp.Body, onProgress)
	}
	if err != nil {
		return err
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	h.logger.Info("http download finished", "url", rawURL, "file", destPath)
	return nil
}

// copyExact reports measured progress, capped to leave headroom for the
// post-processing phase.
func (h *HTTPStream) copyExact(ctx context.Context, out *os.File, body io.Reader, total int64, onProgress ProgressFunc) error {
	start := time.Now()
	lastEmit := time.Time{}
	lastPercent := -1.0

	var received int64
	buf := make([]byte, copyChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: %v", ErrWriteFailed, err)
			}
			received += int64(n)

			percent := math.Min(knownLengthCap, float64(received)/float64(total)*100)
			if onProgress != nil && shouldEmit(percent, lastPercent, lastEmit) {
				onProgress(percent, "downloading", rollingSpeed(received, start))
				lastEmit = time.Now()
				lastPercent = percent
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("%w: %v", ErrFetchFailed, readErr)
		}
	}

	if onProgress != nil {
		onProgress(knownLengthCap, "downloading", rollingSpeed(received, start))
	}
	return nil
}

// copyApprox reports a synthetic, monotonically increasing curve for bodies
// without a declared length. This is an explicit approximation so clients see
// motion, not a measurement.
func (h *HTTPStream) copyApprox(ctx context.Context, out *os.File, body io.Reader, onProgress ProgressFunc) error {
	start := time.Now()
	done := make(chan struct{})

	if onProgress != nil {
		ticker := time.NewTicker(throttleMinPeriod)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					onProgress(ApproxPercent(time.Since(start)), "downloading (size unknown)", 0)
				}
			}
		}()
	}

	buf := make([]byte, copyChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			close(done)
			return fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				close(done)
				return fmt.Errorf("%w: %v", ErrWriteFailed, err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			close(done)
			return fmt.Errorf("%w: %v", ErrFetchFailed, readErr)
		}
	}

	close(done)
	return nil
}

// ApproxPercent is the time-based progress curve for unknown-length bodies.
func ApproxPercent(elapsed time.Duration) float64 {
	return math.Min(unknownLengthCap, 5+elapsed.Seconds()*2)
}

func shouldEmit(percent, lastPercent float64, lastEmit time.Time) bool {
	if lastPercent < 0 {
		return true
	}
	return percent-lastPercent >= throttleMinDelta || time.Since(lastEmit) >= throttleMinPeriod
}

// rollingSpeed computes MB/s over the whole transfer so far.
func rollingSpeed(received int64, start time.Time) float64 {
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(received) / elapsed / (1024 * 1024)
}
