package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediafetch/internal/downloader"
	"mediafetch/internal/models"
	"mediafetch/internal/progress"
	"mediafetch/internal/twitter"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder captures every registry notification in order.
type recorder struct {
	mu      sync.Mutex
	records []models.ProgressRecord
}

func (r *recorder) Notify(_ string, rec models.ProgressRecord) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []models.ProgressRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ProgressRecord, len(r.records))
	copy(out, r.records)
	return out
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestClassifyStrategies(t *testing.T) {
	defaultOrder := []string{models.StrategySubprocess, models.StrategyHTTPStream}

	tests := []struct {
		name string
		url  string
		want []string
	}{
		{"direct mkv", "https://example.com/path/video.mkv", []string{models.StrategyHTTPStream}},
		{"direct mp4 uppercase", "https://example.com/CLIP.MP4", []string{models.StrategyHTTPStream}},
		{"extension in query", "https://cdn.example.com/fetch?file=clip.webm", []string{models.StrategyHTTPStream}},
		{"youtube", "https://www.youtube.com/watch?v=abc", []string{models.StrategySubprocess}},
		{"youtu.be", "https://youtu.be/abc", []string{models.StrategySubprocess}},
		{"tiktok", "https://www.tiktok.com/@user/video/1", []string{models.StrategySubprocess}},
		{"instagram", "https://instagram.com/reel/xyz", []string{models.StrategySubprocess}},
		{"twitter", "https://twitter.com/user/status/123", []string{models.StrategyTwitter, models.StrategySubprocess}},
		{"x.com", "https://x.com/user/status/123", []string{models.StrategyTwitter, models.StrategySubprocess}},
		{"ambiguous", "https://somehost.example/watch/99", defaultOrder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyStrategies(mustParse(t, tt.url), defaultOrder)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyStrategiesHonorsConfiguredOrder(t *testing.T) {
	order := []string{models.StrategyHTTPStream, models.StrategySubprocess}
	got := ClassifyStrategies(mustParse(t, "https://somehost.example/watch/99"), order)
	assert.Equal(t, order, got)
}

func TestStartRejectsInvalidURL(t *testing.T) {
	o := New(Options{
		Logger:   testLogger(),
		Registry: progress.NewRegistry(testLogger(), time.Minute),
	})

	for _, raw := range []string{"", "not a url", "ftp://example.com/x", "/relative/path", "example.com/no-scheme"} {
		_, err := o.Start(raw, "")
		assert.ErrorIs(t, err, ErrInvalidURL, raw)
	}
}

func TestPostIDFromURL(t *testing.T) {
	id, err := PostIDFromURL("https://x.com/someone/status/1700000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "1700000000000000000", id)

	id, err = PostIDFromURL("https://twitter.com/i/statuses/42?s=20")
	require.NoError(t, err)
	assert.Equal(t, "42", id)

	_, err = PostIDFromURL("https://x.com/someone")
	assert.Error(t, err)
}

func TestIsRestrictionError(t *testing.T) {
	assert.True(t, IsRestrictionError(twitter.ErrContentPrivate))
	assert.True(t, IsRestrictionError(twitter.ErrContentAgeRestricted))
	assert.True(t, IsRestrictionError(fmt.Errorf("server said: 403 forbidden")))
	assert.True(t, IsRestrictionError(fmt.Errorf("this video is age-restricted")))
	assert.True(t, IsRestrictionError(fmt.Errorf("Login required to view")))
	assert.False(t, IsRestrictionError(fmt.Errorf("connection reset by peer")))
	assert.False(t, IsRestrictionError(nil))
}

func TestSanitizeFileName(t *testing.T) {
	assert.Equal(t, "my_clip", sanitizeFileName("my clip"))
	assert.Equal(t, "a_b_c", sanitizeFileName("a/b\\c"))
	assert.Equal(t, "media", sanitizeFileName(""))
}

func waitTerminal(t *testing.T, reg *progress.Registry, jobID string) models.ProgressRecord {
	t.Helper()
	var rec models.ProgressRecord
	require.Eventually(t, func() bool {
		r, ok := reg.Get(jobID)
		if ok && r.Completed {
			rec = r
			return true
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)
	return rec
}

func TestEndToEndDirectDownload(t *testing.T) {
	payload := bytes.Repeat([]byte("frame-data"), 1024*100) // ~1 MB
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	reg := progress.NewRegistry(testLogger(), time.Minute)
	rec := &recorder{}
	reg.SetNotifier(rec)

	outDir := t.TempDir()
	o := New(Options{
		Logger:    testLogger(),
		Registry:  reg,
		Stream:    downloader.NewHTTPStream(testLogger(), 5*time.Second),
		OutputDir: outDir,
	})

	jobID, err := o.Start(srv.URL+"/video.mp4", "")
	require.NoError(t, err)

	final := waitTerminal(t, reg, jobID)
	assert.True(t, final.Completed)
	assert.Empty(t, final.Error)
	require.NotNil(t, final.Result)

	info, err := os.Stat(final.Result.FilePath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
	assert.Equal(t, filepath.Ext(final.Result.FilePath), ".mp4")

	prev := -1.0
	for _, r := range rec.snapshot() {
		assert.GreaterOrEqual(t, r.Percent, prev, "progress must be monotonic without fallback")
		prev = r.Percent
	}
}

type fakeSubprocess struct {
	calls int
	err   error
	path  string
}

func (f *fakeSubprocess) Download(_ context.Context, _, outputDir, baseName, _ string, onProgress downloader.ProgressFunc) (string, error) {
	f.calls++
	if f.err != nil {
		if onProgress != nil {
			onProgress(40, "downloading", 1.0)
		}
		return "", f.err
	}
	p := filepath.Join(outputDir, baseName+".mp4")
	if err := os.WriteFile(p, []byte("data"), 0o644); err != nil {
		return "", err
	}
	f.path = p
	return p, nil
}

type fakeStream struct {
	calls int
	err   error
}

func (f *fakeStream) Download(_ context.Context, _, destPath string, onProgress downloader.ProgressFunc) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if onProgress != nil {
		onProgress(50, "downloading", 2.0)
		onProgress(85, "downloading", 2.0)
	}
	return os.WriteFile(destPath, []byte("stream-data"), 0o644)
}

func TestFallbackFromSubprocessToStream(t *testing.T) {
	reg := progress.NewRegistry(testLogger(), time.Minute)
	rec := &recorder{}
	reg.SetNotifier(rec)

	sub := &fakeSubprocess{err: downloader.ErrSubprocessFailed}
	stream := &fakeStream{}

	o := New(Options{
		Logger:    testLogger(),
		Registry:  reg,
		Subprocess: sub,
		Stream:    stream,
		OutputDir: t.TempDir(),
	})

	jobID, err := o.Start("https://somehost.example/watch/99", "")
	require.NoError(t, err)

	final := waitTerminal(t, reg, jobID)
	assert.True(t, final.Succeeded())
	assert.Equal(t, 1, sub.calls)
	assert.Equal(t, 1, stream.calls)

	// Exactly one reset is allowed, at the fallback boundary.
	resets := 0
	records := rec.snapshot()
	for i := 1; i < len(records); i++ {
		if records[i].Percent < records[i-1].Percent {
			resets++
		}
	}
	assert.LessOrEqual(t, resets, 1)
}

func TestAllStrategiesExhaustedFails(t *testing.T) {
	reg := progress.NewRegistry(testLogger(), time.Minute)

	o := New(Options{
		Logger:     testLogger(),
		Registry:   reg,
		Subprocess: &fakeSubprocess{err: downloader.ErrSubprocessFailed},
		Stream:     &fakeStream{err: downloader.ErrFetchFailed},
		OutputDir:  t.TempDir(),
	})

	jobID, err := o.Start("https://somehost.example/watch/99", "")
	require.NoError(t, err)

	final := waitTerminal(t, reg, jobID)
	assert.True(t, final.Completed)
	assert.NotEmpty(t, final.Error)
	assert.False(t, final.IsRestrictionError)
	assert.Nil(t, final.Result)
}

type fakeResolver struct {
	items []twitter.MediaItem
	err   error
}

func (f *fakeResolver) ResolveMedia(_ context.Context, _ string) ([]twitter.MediaItem, error) {
	return f.items, f.err
}

func TestTwitterRestrictionSkipsGenericStrategies(t *testing.T) {
	reg := progress.NewRegistry(testLogger(), time.Minute)
	sub := &fakeSubprocess{}

	o := New(Options{
		Logger:     testLogger(),
		Registry:   reg,
		Subprocess: sub,
		Resolver:   &fakeResolver{err: twitter.ErrContentAgeRestricted},
		OutputDir:  t.TempDir(),
	})

	jobID, err := o.Start("https://x.com/user/status/1700000000000000000", "")
	require.NoError(t, err)

	final := waitTerminal(t, reg, jobID)
	assert.True(t, final.Completed)
	assert.True(t, final.IsRestrictionError)
	assert.Contains(t, final.Message, "cookies")
	assert.Zero(t, sub.calls, "generic subprocess strategy must not run")
}

func TestTwitterResolvedMediaIsDownloaded(t *testing.T) {
	reg := progress.NewRegistry(testLogger(), time.Minute)
	stream := &fakeStream{}

	o := New(Options{
		Logger:   testLogger(),
		Registry: reg,
		Resolver: &fakeResolver{items: []twitter.MediaItem{
			{Type: "photo", URL: "https://pbs.twimg.com/pic.jpg"},
			{Type: "video", URL: "https://video.twimg.com/clip.mp4", Bitrate: 2176000},
		}},
		Stream:    stream,
		OutputDir: t.TempDir(),
	})

	jobID, err := o.Start("https://x.com/user/status/1700000000000000000", "")
	require.NoError(t, err)

	final := waitTerminal(t, reg, jobID)
	require.True(t, final.Succeeded())
	assert.Equal(t, 1, stream.calls)
	assert.Equal(t, ".mp4", filepath.Ext(final.Result.FilePath))
}

func TestTwitterTransientFailureFallsBackToSubprocess(t *testing.T) {
	reg := progress.NewRegistry(testLogger(), time.Minute)
	sub := &fakeSubprocess{}

	o := New(Options{
		Logger:     testLogger(),
		Registry:   reg,
		Subprocess: sub,
		Resolver:   &fakeResolver{err: fmt.Errorf("all resolver tiers unreachable")},
		OutputDir:  t.TempDir(),
	})

	jobID, err := o.Start("https://x.com/user/status/1700000000000000000", "")
	require.NoError(t, err)

	final := waitTerminal(t, reg, jobID)
	assert.True(t, final.Succeeded())
	assert.Equal(t, 1, sub.calls, "transient resolver failure must fall back to subprocess")
}

func TestTwitterEmptyMediaListFallsBack(t *testing.T) {
	reg := progress.NewRegistry(testLogger(), time.Minute)
	sub := &fakeSubprocess{}

	o := New(Options{
		Logger:     testLogger(),
		Registry:   reg,
		Subprocess: sub,
		Resolver:   &fakeResolver{},
		OutputDir:  t.TempDir(),
	})

	jobID, err := o.Start("https://x.com/user/status/1700000000000000000", "")
	require.NoError(t, err)

	final := waitTerminal(t, reg, jobID)
	assert.True(t, final.Succeeded())
	assert.Equal(t, 1, sub.calls)
}

func TestPickMediaItem(t *testing.T) {
	_, err := pickMediaItem(nil)
	assert.Error(t, err)

	item, err := pickMediaItem([]twitter.MediaItem{
		{Type: "photo", URL: "https://pbs.twimg.com/pic.jpg"},
		{Type: "video", URL: "https://video.twimg.com/clip.mp4"},
	})
	require.NoError(t, err)
	assert.Equal(t, "video", item.Type)
}

func TestExtForMediaItem(t *testing.T) {
	assert.Equal(t, ".jpg", extForMediaItem(twitter.MediaItem{Type: "photo", URL: "https://pbs.twimg.com/media/abc.jpg"}))
	assert.Equal(t, ".png", extForMediaItem(twitter.MediaItem{Type: "photo", URL: "https://pbs.twimg.com/media/abc.png"}))
	assert.Equal(t, ".jpg", extForMediaItem(twitter.MediaItem{Type: "photo", URL: "https://pbs.twimg.com/media/abc?format=jpg"}))
	assert.Equal(t, ".mp4", extForMediaItem(twitter.MediaItem{Type: "video", URL: "https://video.twimg.com/vid/playlist"}))
}

func TestTwitterPhotoKeepsImageExtension(t *testing.T) {
	reg := progress.NewRegistry(testLogger(), time.Minute)
	stream := &fakeStream{}

	o := New(Options{
		Logger:    testLogger(),
		Registry:  reg,
		Resolver:  &fakeResolver{items: []twitter.MediaItem{{Type: "photo", URL: "https://pbs.twimg.com/media/pic.jpg"}}},
		Stream:    stream,
		OutputDir: t.TempDir(),
	})

	jobID, err := o.Start("https://x.com/user/status/1700000000000000000", "")
	require.NoError(t, err)

	final := waitTerminal(t, reg, jobID)
	require.True(t, final.Succeeded())
	assert.Equal(t, ".jpg", filepath.Ext(final.Result.FilePath))
}

func TestEmptyArtifactTriggersFallback(t *testing.T) {
	reg := progress.NewRegistry(testLogger(), time.Minute)

	emptySub := &fakeSubprocessEmpty{}
	stream := &fakeStream{}

	o := New(Options{
		Logger:     testLogger(),
		Registry:   reg,
		Subprocess: emptySub,
		Stream:     stream,
		OutputDir:  t.TempDir(),
	})

	jobID, err := o.Start("https://somehost.example/watch/99", "")
	require.NoError(t, err)

	final := waitTerminal(t, reg, jobID)
	assert.True(t, final.Succeeded())
	assert.Equal(t, 1, stream.calls)
}

type fakeSubprocessEmpty struct{}

func (f *fakeSubprocessEmpty) Download(_ context.Context, _, outputDir, baseName, _ string, _ downloader.ProgressFunc) (string, error) {
	p := filepath.Join(outputDir, baseName+".mp4")
	if err := os.WriteFile(p, nil, 0o644); err != nil {
		return "", err
	}
	return p, nil
}
