package downloader

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// progressLine is one JSON object emitted by yt-dlp's progress template.
type progressLine struct {
	Status  string `json:"status"`
	Percent string `json:"percent"`
	Speed   string `json:"speed"`
}

// progressTemplate makes yt-dlp print one machine-parseable JSON object per
// line on stdout.
const progressTemplate = `{"status":"%(progress.status)s","percent":"%(progress._percent_str)s","speed":"%(progress._speed_str)s"}`

// YtDlp drives the external yt-dlp binary and normalizes its progress output.
type YtDlp struct {
	logger *slog.Logger
	binary string
}

func NewYtDlp(logger *slog.Logger, binary string) *YtDlp {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &YtDlp{logger: logger, binary: binary}
}

// Download fetches rawURL into outputDir using baseName as the file name stem.
// cookiesPath, when non-empty, is passed through to yt-dlp. The produced file
// may carry a different extension than requested, so the true path is resolved
// by scanning the output directory afterwards.
func (y *YtDlp) Download(ctx context.Context, rawURL, outputDir, baseName, cookiesPath string, onProgress ProgressFunc) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create output dir: %v", ErrSubprocessFailed, err)
	}

	outTpl := filepath.Join(outputDir, baseName+".%(ext)s")
	args := []string{
		"--no-playlist",
		"-f", "bestvideo+bestaudio/best",
		"--newline",
		"--progress-template", progressTemplate,
		"-o", outTpl,
	}
	if cookiesPath != "" {
		args = append(args, "--cookies", cookiesPath)
	}
	args = append(args, rawURL)

	cmd := exec.CommandContext(ctx, y.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("%w: stdout pipe: %v", ErrSubprocessFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("%w: stderr pipe: %v", ErrSubprocessFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%w: start %s: %v", ErrSubprocessFailed, y.binary, err)
	}

	stderrTail := make(chan string, 1)
	go func() {
		var tail string
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				tail = line
			}
		}
		stderrTail <- tail
	}()

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		percent, speed, ok := ParseProgressLine(scanner.Text())
		if !ok {
			continue
		}
		if onProgress != nil {
			onProgress(percent, "downloading", speed)
		}
	}

	// Both pipe reads must finish before Wait closes the pipes.
	detail := <-stderrTail

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrSubprocessFailed, ctx.Err())
		}
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("%w: %s", ErrSubprocessFailed, detail)
	}

	if onProgress != nil {
		onProgress(100, "download finished", 0)
	}

	produced, err := ResolveProducedFile(outputDir, baseName)
	if err != nil {
		return "", err
	}
	y.logger.Info("subprocess download finished", "url", rawURL, "file", produced)
	return produced, nil
}

// ParseProgressLine parses one yt-dlp progress-template line. Lines that are
// not well-formed JSON, or that do not describe an in-flight download, are
// skipped. Speed is normalized to MB/s, 0 when unavailable.
func ParseProgressLine(line string) (percent, speed float64, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return 0, 0, false
	}

	var pl progressLine
	if err := json.Unmarshal([]byte(line), &pl); err != nil {
		return 0, 0, false
	}
	if pl.Status != "downloading" {
		return 0, 0, false
	}

	percent, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(pl.Percent), "%"), 64)
	if err != nil {
		return 0, 0, false
	}

	return percent, NormalizeSpeed(pl.Speed), true
}

// NormalizeSpeed converts a yt-dlp speed string into MB/s. Unknown values
// ("N/A", "Unknown", empty) come back as 0.
func NormalizeSpeed(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "n/a") || strings.HasPrefix(lower, "unknown") {
		return 0
	}

	var unit float64
	var num string
	switch {
	case strings.HasSuffix(raw, "GiB/s"):
		num, unit = strings.TrimSuffix(raw, "GiB/s"), 1024*1024*1024
	case strings.HasSuffix(raw, "MiB/s"):
		num, unit = strings.TrimSuffix(raw, "MiB/s"), 1024*1024
	case strings.HasSuffix(raw, "KiB/s"):
		num, unit = strings.TrimSuffix(raw, "KiB/s"), 1024
	case strings.HasSuffix(raw, "B/s"):
		num, unit = strings.TrimSuffix(raw, "B/s"), 1
	default:
		return 0
	}

	val, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil {
		return 0
	}
	return val * unit / (1024 * 1024)
}

// ResolveProducedFile finds the file yt-dlp actually wrote. The subprocess
// substitutes %(ext)s with whatever container it produced, so the output is
// located by its base-name prefix.
func ResolveProducedFile(dir, baseName string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("%w: read output dir: %v", ErrArtifactNotFound, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") {
			continue
		}
		if strings.HasPrefix(name, baseName) {
			return filepath.Join(dir, name), nil
		}
	}
	return "", fmt.Errorf("%w: no file starting with %q in %s", ErrArtifactNotFound, baseName, dir)
}
