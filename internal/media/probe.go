package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"

	"mediafetch/internal/models"
)

// MetadataExtractor probes a finished artifact for stream information.
type MetadataExtractor interface {
	ExtractMetadata(ctx context.Context, path string) (*models.MediaMetadata, error)
}

// WaveformExtractor renders a waveform image for an artifact with audio.
// Implementations are external collaborators; the Skipping implementation is
// used when rendering is not wired in.
type WaveformExtractor interface {
	ExtractWaveform(ctx context.Context, path string) (*models.WaveformData, error)
}

// FFProbe implements MetadataExtractor with the ffprobe binary.
type FFProbe struct {
	logger *slog.Logger
}

func NewFFProbe(logger *slog.Logger) *FFProbe {
	return &FFProbe{logger: logger}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ExtractMetadata runs ffprobe and maps its JSON output onto MediaMetadata.
func (f *FFProbe) ExtractMetadata(ctx context.Context, path string) (*models.MediaMetadata, error) {
	cmd := exec.CommandContext(ctx,
		"ffprobe",
		"-v", "error",
		"-show_entries", "stream=codec_type,codec_name,width,height",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe error: %w", err)
	}

	var probe ffprobeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, fmt.Errorf("decode ffprobe output: %w", err)
	}

	meta := &models.MediaMetadata{}
	if probe.Format.Duration != "" {
		if dur, convErr := strconv.ParseFloat(probe.Format.Duration, 64); convErr == nil {
			meta.Duration = dur
		}
	}
	for _, stream := range probe.Streams {
		switch stream.CodecType {
		case "video":
			if meta.Codec == "" {
				meta.Codec = stream.CodecName
			}
			if stream.Width > 0 {
				meta.Width = stream.Width
				meta.Height = stream.Height
			}
		case "audio":
			meta.HasAudio = true
		}
	}

	f.logger.Debug("metadata extracted", "file", path, "duration", meta.Duration, "has_audio", meta.HasAudio)
	return meta, nil
}

// SkippingWaveform satisfies WaveformExtractor without rendering anything.
// Used when the waveform collaborator is not deployed alongside the service.
type SkippingWaveform struct{}

func (SkippingWaveform) ExtractWaveform(_ context.Context, _ string) (*models.WaveformData, error) {
	return nil, nil
}
