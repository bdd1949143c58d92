package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every externally tunable knob. Values come from the
// environment with sensible defaults; a .env file is honored when present.
type Config struct {
	Addr       string
	OutputDir  string
	UploadsDir string

	YtDlpBinary  string
	FetchTimeout time.Duration

	ProgressTTL     time.Duration
	PushCloseGrace  time.Duration
	PushSweepEvery  time.Duration
	PushMaxAge      time.Duration
	CookieTTL       time.Duration
	CleanupInterval time.Duration
	CleanupMaxAge   time.Duration
	StreamThreshold int64
	MaxUploadBytes  int64
	AmbiguousOrder  []string
}

// Load reads configuration from the environment. A missing .env file is not
// an error.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Addr:            envOrDefault("APP_ADDR", ":8080"),
		OutputDir:       envOrDefault("OUTPUT_DIR", "downloads"),
		UploadsDir:      envOrDefault("UPLOADS_DIR", "uploads"),
		YtDlpBinary:     envOrDefault("YTDLP_BINARY", "yt-dlp"),
		FetchTimeout:    envDurationOrDefault("FETCH_TIMEOUT", 30*time.Second),
		ProgressTTL:     envDurationOrDefault("PROGRESS_TTL", 30*time.Second),
		PushCloseGrace:  envDurationOrDefault("PUSH_CLOSE_GRACE", time.Second),
		PushSweepEvery:  envDurationOrDefault("PUSH_SWEEP_INTERVAL", time.Minute),
		PushMaxAge:      envDurationOrDefault("PUSH_MAX_AGE", 10*time.Minute),
		CookieTTL:       envDurationOrDefault("COOKIE_TTL", time.Hour),
		CleanupInterval: envDurationOrDefault("CLEANUP_INTERVAL", 30*time.Minute),
		CleanupMaxAge:   envDurationOrDefault("CLEANUP_MAX_AGE", 24*time.Hour),
		StreamThreshold: envInt64OrDefault("STREAM_THRESHOLD_BYTES", 2<<30),
		MaxUploadBytes:  envInt64OrDefault("MAX_UPLOAD_BYTES", 4<<30),
	}

	// Fallback order for URLs that match neither a direct media extension nor
	// a known platform. The default tries the general-purpose downloader
	// first, then a raw fetch.
	switch envOrDefault("AMBIGUOUS_STRATEGY_ORDER", "subprocess,httpstream") {
	case "httpstream,subprocess":
		cfg.AmbiguousOrder = []string{"httpstream", "subprocess"}
	default:
		cfg.AmbiguousOrder = []string{"subprocess", "httpstream"}
	}

	return cfg
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envInt64OrDefault(key string, fallback int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
