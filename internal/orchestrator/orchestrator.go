package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"mediafetch/internal/downloader"
	"mediafetch/internal/media"
	"mediafetch/internal/models"
	"mediafetch/internal/observability"
	"mediafetch/internal/progress"
	"mediafetch/internal/twitter"
)

// ErrInvalidURL rejects malformed input synchronously; it is never a job
// failure.
var ErrInvalidURL = errors.New("invalid or non-absolute url")

// Download percentages are capped here to reserve headroom for the
// post-processing phase.
const downloadCap = 85

// SubprocessDownloader is the external-downloader strategy.
type SubprocessDownloader interface {
	Download(ctx context.Context, rawURL, outputDir, baseName, cookiesPath string, onProgress downloader.ProgressFunc) (string, error)
}

// StreamDownloader is the direct HTTP fetch strategy.
type StreamDownloader interface {
	Download(ctx context.Context, rawURL, destPath string, onProgress downloader.ProgressFunc) error
}

// MediaResolver resolves post media for the dedicated social-platform path.
type MediaResolver interface {
	ResolveMedia(ctx context.Context, postID string) ([]twitter.MediaItem, error)
}

// CookieSource hands out staged cookie files, consuming them on use.
type CookieSource interface {
	Take(sessionID string) (string, bool)
	Remove(path string)
}

// Ingestor persists a locally supplied payload with the shared progress
// contract.
type Ingestor interface {
	Ingest(r io.Reader, declaredSize int64, destPath string, onProgress downloader.ProgressFunc) error
}

// Orchestrator classifies URLs, runs acquisition strategies in order until
// one succeeds, and funnels every outcome through the progress registry.
type Orchestrator struct {
	logger   *slog.Logger
	registry *progress.Registry
	metrics  *observability.Metrics

	subprocess SubprocessDownloader
	stream     StreamDownloader
	resolver   MediaResolver
	cookies    CookieSource
	ingestor   Ingestor
	metadata   media.MetadataExtractor
	waveform   media.WaveformExtractor

	outputDir      string
	ambiguousOrder []string
}

type Options struct {
	Logger   *slog.Logger
	Registry *progress.Registry
	Metrics  *observability.Metrics

	Subprocess SubprocessDownloader
	Stream     StreamDownloader
	Resolver   MediaResolver
	Cookies    CookieSource
	Ingestor   Ingestor
	Metadata   media.MetadataExtractor
	Waveform   media.WaveformExtractor

	OutputDir      string
	AmbiguousOrder []string
}

func New(opts Options) *Orchestrator {
	order := opts.AmbiguousOrder
	if len(order) == 0 {
		order = []string{models.StrategySubprocess, models.StrategyHTTPStream}
	}
	return &Orchestrator{
		logger:         opts.Logger,
		registry:       opts.Registry,
		metrics:        opts.Metrics,
		subprocess:     opts.Subprocess,
		stream:         opts.Stream,
		resolver:       opts.Resolver,
		cookies:        opts.Cookies,
		ingestor:       opts.Ingestor,
		metadata:       opts.Metadata,
		waveform:       opts.Waveform,
		outputDir:      opts.OutputDir,
		ambiguousOrder: order,
	}
}

// Start validates the URL, registers the job, and launches the background
// acquisition. It returns immediately with the job id.
func (o *Orchestrator) Start(rawURL, cookieSession string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", ErrInvalidURL
	}

	job := models.Job{
		ID:         uuid.New().String(),
		URL:        u.String(),
		Strategies: ClassifyStrategies(u, o.ambiguousOrder),
		CreatedAt:  time.Now(),
	}

	o.registry.Update(job.ID, models.ProgressRecord{Percent: 0, Message: "queued"})
	if o.metrics != nil {
		o.metrics.JobsStarted.Inc()
	}
	o.logger.Info("job started", "job_id", job.ID, "url", job.URL, "strategies", job.Strategies)

	go o.run(job, cookieSession)
	return job.ID, nil
}

// IngestLocal writes a locally supplied payload through the ingestion
// dispatcher and the shared post-write contract. Unlike Start, it runs
// synchronously: the payload reader belongs to an in-flight request and
// cannot outlive it. Progress stays observable through the registry while
// the write is underway.
func (o *Orchestrator) IngestLocal(r io.Reader, declaredSize int64, fileName string) (string, error) {
	if o.ingestor == nil {
		return "", errors.New("ingestion not configured")
	}

	job := models.Job{
		ID:        uuid.New().String(),
		URL:       "upload:" + fileName,
		CreatedAt: time.Now(),
	}
	o.registry.Update(job.ID, models.ProgressRecord{Percent: 0, Message: "receiving upload"})
	if o.metrics != nil {
		o.metrics.JobsStarted.Inc()
	}

	base := sanitizeFileName(strings.TrimSuffix(fileName, path.Ext(fileName)))
	destPath := filepath.Join(o.outputDir, fmt.Sprintf("%d_%s_%s%s", time.Now().Unix(), randomSuffix(), base, extForURL(fileName)))

	onProgress := func(percent float64, message string, speed float64) {
		if percent > downloadCap {
			percent = downloadCap
		}
		o.registry.Update(job.ID, models.ProgressRecord{Percent: percent, Message: message, Speed: speed})
	}

	if err := o.ingestor.Ingest(r, declaredSize, destPath, onProgress); err != nil {
		o.fail(job, err)
		return job.ID, err
	}

	o.finish(context.Background(), job, destPath)
	return job.ID, nil
}

// Known direct-media extensions; a URL ending in one of these skips the
// general-purpose downloader.
var directMediaExts = map[string]bool{
	".mp4": true, ".mov": true, ".webm": true, ".avi": true,
	".mkv": true, ".m4v": true, ".flv": true, ".wmv": true,
}

var socialHosts = []string{
	"youtube.com", "youtu.be", "tiktok.com", "instagram.com",
	"facebook.com", "fb.watch", "vimeo.com", "reddit.com",
	"twitch.tv", "dailymotion.com",
}

var twitterHosts = []string{"twitter.com", "x.com"}

// ClassifyStrategies produces the ordered strategy list for a URL. First
// match wins: direct media extension, the dedicated resolver path for
// Twitter/X, known social platforms, then the configurable ambiguous order.
func ClassifyStrategies(u *url.URL, ambiguousOrder []string) []string {
	ext := strings.ToLower(path.Ext(u.Path))
	if directMediaExts[ext] {
		return []string{models.StrategyHTTPStream}
	}
	// Extensions hidden in the query string count too.
	for _, v := range u.Query() {
		for _, val := range v {
			if directMediaExts[strings.ToLower(path.Ext(val))] {
				return []string{models.StrategyHTTPStream}
			}
		}
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, h := range twitterHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			// The general-purpose downloader understands these hosts too, so
			// it backs up the resolver for transient failures. Restriction
			// outcomes still stop the fallback chain.
			return []string{models.StrategyTwitter, models.StrategySubprocess}
		}
	}
	for _, h := range socialHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return []string{models.StrategySubprocess}
		}
	}

	out := make([]string, len(ambiguousOrder))
	copy(out, ambiguousOrder)
	return out
}

// run executes the strategy list. Every outcome, including a panic, ends in
// a terminal registry record; nothing escapes the job boundary.
func (o *Orchestrator) run(job models.Job, cookieSession string) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("job panicked", "job_id", job.ID, "panic", r)
			o.fail(job, fmt.Errorf("internal error: %v", r))
		}
	}()

	ctx := context.Background()

	cookiesPath := ""
	if cookieSession != "" && o.cookies != nil {
		if p, ok := o.cookies.Take(cookieSession); ok {
			cookiesPath = p
			defer o.cookies.Remove(p)
		}
	}

	var lastErr error
	for i, name := range job.Strategies {
		if i > 0 {
			// The one permitted non-monotonic tick: progress resets when
			// falling back to the next strategy.
			o.registry.Update(job.ID, models.ProgressRecord{
				Percent: 0,
				Message: "falling back to " + name,
			})
		}

		filePath, err := o.runStrategy(ctx, name, job, cookiesPath)
		if o.metrics != nil {
			o.metrics.RecordAttempt(name, err)
		}
		if err == nil {
			o.finish(ctx, job, filePath)
			return
		}

		lastErr = err
		o.logger.Warn("strategy failed", "job_id", job.ID, "strategy", name, "error", err)

		if twitter.IsRestriction(err) {
			// Access control won't be solved by a different download
			// mechanism; stop here so the caller gets an actionable message.
			break
		}
	}

	o.fail(job, lastErr)
}

func (o *Orchestrator) runStrategy(ctx context.Context, name string, job models.Job, cookiesPath string) (string, error) {
	onProgress := func(percent float64, message string, speed float64) {
		if percent > downloadCap {
			percent = downloadCap
		}
		o.registry.Update(job.ID, models.ProgressRecord{
			Percent: percent,
			Message: message,
			Speed:   speed,
		})
	}

	baseName := outputBaseName(job.URL)

	switch name {
	case models.StrategySubprocess:
		filePath, err := o.subprocess.Download(ctx, job.URL, o.outputDir, baseName, cookiesPath, onProgress)
		if err != nil {
			o.removePartials(baseName)
			return "", err
		}
		return o.verify(filePath, baseName)

	case models.StrategyHTTPStream:
		filePath := filepath.Join(o.outputDir, baseName+extForURL(job.URL))
		if err := os.MkdirAll(o.outputDir, 0o755); err != nil {
			return "", fmt.Errorf("%w: %v", downloader.ErrWriteFailed, err)
		}
		if err := o.stream.Download(ctx, job.URL, filePath, onProgress); err != nil {
			_ = os.Remove(filePath)
			return "", err
		}
		return o.verify(filePath, baseName)

	case models.StrategyTwitter:
		return o.runTwitter(ctx, job, baseName, onProgress)

	default:
		return "", fmt.Errorf("unknown strategy %q", name)
	}
}

// runTwitter resolves the post's media and streams the chosen item to disk.
func (o *Orchestrator) runTwitter(ctx context.Context, job models.Job, baseName string, onProgress downloader.ProgressFunc) (string, error) {
	postID, err := PostIDFromURL(job.URL)
	if err != nil {
		return "", err
	}

	onProgress(5, "resolving post media", 0)
	items, err := o.resolver.ResolveMedia(ctx, postID)
	if err != nil {
		return "", err
	}

	item, err := pickMediaItem(items)
	if err != nil {
		return "", err
	}
	if item.NeedsRepair {
		o.logger.Warn("media url flagged for container repair", "job_id", job.ID, "url", item.URL)
	}

	filePath := filepath.Join(o.outputDir, baseName+extForMediaItem(item))
	if err := os.MkdirAll(o.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", downloader.ErrWriteFailed, err)
	}
	if err := o.stream.Download(ctx, item.URL, filePath, onProgress); err != nil {
		_ = os.Remove(filePath)
		return "", err
	}
	return o.verify(filePath, baseName)
}

// verify enforces the non-empty artifact contract before a strategy counts
// as successful.
func (o *Orchestrator) verify(filePath, baseName string) (string, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", downloader.ErrArtifactNotFound, err)
	}
	if info.Size() == 0 {
		_ = os.Remove(filePath)
		o.removePartials(baseName)
		return "", downloader.ErrEmptyArtifact
	}
	return filePath, nil
}

// finish runs the post-processing collaborators and writes the terminal
// record.
func (o *Orchestrator) finish(ctx context.Context, job models.Job, filePath string) {
	result := &models.StrategyResult{
		FilePath: filePath,
		FileName: filepath.Base(filePath),
	}

	o.registry.Update(job.ID, models.ProgressRecord{Percent: downloadCap, Message: "extracting metadata"})
	if o.metadata != nil {
		meta, err := o.metadata.ExtractMetadata(ctx, filePath)
		if err != nil {
			o.logger.Warn("metadata extraction failed", "job_id", job.ID, "error", err)
		} else {
			result.Metadata = meta
		}
	}

	if o.waveform != nil && result.Metadata != nil && result.Metadata.HasAudio {
		o.registry.Update(job.ID, models.ProgressRecord{Percent: 95, Message: "generating waveform"})
		wf, err := o.waveform.ExtractWaveform(ctx, filePath)
		if err != nil {
			o.logger.Warn("waveform extraction failed", "job_id", job.ID, "error", err)
		} else {
			result.Waveform = wf
		}
	}

	o.registry.Update(job.ID, models.ProgressRecord{
		Percent:   100,
		Message:   "completed",
		Completed: true,
		Result:    result,
	})
	if o.metrics != nil {
		o.metrics.JobsCompleted.Inc()
	}
	o.logger.Info("job completed", "job_id", job.ID, "file", filePath)
}

func (o *Orchestrator) fail(job models.Job, err error) {
	if err == nil {
		err = errors.New("no acquisition strategy available")
	}

	restricted := IsRestrictionError(err)
	message := "acquisition failed"
	if restricted {
		message = "content is restricted; retry with cookies may help"
	}

	o.registry.Update(job.ID, models.ProgressRecord{
		Percent:            0,
		Message:            message,
		Completed:          true,
		Error:              err.Error(),
		IsRestrictionError: restricted,
	})
	if o.metrics != nil {
		o.metrics.JobsFailed.Inc()
	}
	o.logger.Error("job failed", "job_id", job.ID, "error", err, "is_restriction", restricted)
}

// removePartials deletes any leftover files a failed strategy wrote for this
// job's base name.
func (o *Orchestrator) removePartials(baseName string) {
	entries, err := os.ReadDir(o.outputDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), baseName) {
			_ = os.Remove(filepath.Join(o.outputDir, entry.Name()))
		}
	}
}

// restrictionPhrases classify failures caused by access control rather than
// technical faults.
var restrictionPhrases = []string{
	"private", "restricted", "403", "age-restricted", "login required",
	"nsfw", "sign in", "confirm your age", "members-only",
}

// IsRestrictionError reports whether err looks like an access-control
// failure, either by sentinel or by message phrase.
func IsRestrictionError(err error) bool {
	if err == nil {
		return false
	}
	if twitter.IsRestriction(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range restrictionPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// PostIDFromURL extracts the numeric post id from a Twitter/X status URL.
func PostIDFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", ErrInvalidURL
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, part := range parts {
		if part == "status" || part == "statuses" {
			if i+1 < len(parts) && isDigits(parts[i+1]) {
				return parts[i+1], nil
			}
		}
	}
	return "", fmt.Errorf("no post id in url %q", rawURL)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// pickMediaItem prefers the first video; otherwise the first item. An empty
// list is an error so the next strategy gets its turn.
func pickMediaItem(items []twitter.MediaItem) (twitter.MediaItem, error) {
	if len(items) == 0 {
		return twitter.MediaItem{}, errors.New("resolver returned no media items")
	}
	for _, item := range items {
		if item.Type == "video" || item.Type == "animated_gif" {
			return item, nil
		}
	}
	return items[0], nil
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

// extForMediaItem derives the stored extension from the resolved item's URL,
// falling back on its media type.
func extForMediaItem(item twitter.MediaItem) string {
	if u, err := url.Parse(item.URL); err == nil {
		ext := strings.ToLower(path.Ext(u.Path))
		if directMediaExts[ext] || imageExts[ext] {
			return ext
		}
	}
	if item.Type == "photo" {
		return ".jpg"
	}
	return ".mp4"
}

// outputBaseName builds a collision-resistant file name stem: timestamp,
// random suffix, sanitized base from the URL path.
func outputBaseName(rawURL string) string {
	base := "media"
	if u, err := url.Parse(rawURL); err == nil {
		if b := path.Base(u.Path); b != "" && b != "/" && b != "." {
			base = strings.TrimSuffix(b, path.Ext(b))
		}
	}
	return fmt.Sprintf("%d_%s_%s", time.Now().Unix(), randomSuffix(), sanitizeFileName(base))
}

func randomSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano()%100000)
	}
	return hex.EncodeToString(b)
}

func sanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
	if name == "" {
		return "media"
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

// extForURL guesses a file extension from the URL path, defaulting to .mp4.
func extForURL(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); directMediaExts[ext] {
			return ext
		}
	}
	return ".mp4"
}
