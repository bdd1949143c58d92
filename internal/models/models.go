package models

import "time"

// Strategy names used for classification and job bookkeeping.
const (
	StrategySubprocess = "subprocess"
	StrategyHTTPStream = "httpstream"
	StrategyTwitter    = "twitter"
)

// Job represents a single acquisition request. It is never mutated after
// creation; its lifecycle is observable only through the progress registry.
type Job struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Strategies []string  `json:"strategies"`
	CreatedAt  time.Time `json:"created_at"`
}

// MediaMetadata holds probe results for a finished artifact.
type MediaMetadata struct {
	Duration float64 `json:"duration"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	HasAudio bool    `json:"has_audio"`
	Codec    string  `json:"codec"`
}

// WaveformData describes the rendered waveform for an artifact with audio.
type WaveformData struct {
	ImagePath   string    `json:"image_path"`
	KeyPoints   []float64 `json:"key_points"`
	ImageWidth  int       `json:"image_width"`
	ImageHeight int       `json:"image_height"`
	HasAudio    bool      `json:"has_audio"`
}

// StrategyResult is the outcome of a successful acquisition strategy.
type StrategyResult struct {
	FilePath string         `json:"file_path"`
	FileName string         `json:"file_name"`
	Metadata *MediaMetadata `json:"metadata,omitempty"`
	Waveform *WaveformData  `json:"waveform,omitempty"`
}

// ProgressRecord is the current status of a job. Records are replaced whole
// on every tick (last-write-wins); a record with Completed=true is terminal
// and immutable.
type ProgressRecord struct {
	Percent            float64         `json:"percent"`
	Message            string          `json:"message"`
	Speed              float64         `json:"speed,omitempty"` // MB/s, 0 means unknown
	Timestamp          time.Time       `json:"timestamp"`
	Completed          bool            `json:"completed"`
	Error              string          `json:"error,omitempty"`
	IsRestrictionError bool            `json:"is_restriction_error,omitempty"`
	Result             *StrategyResult `json:"result,omitempty"`
}

// Succeeded reports whether the record is terminal and carries a result.
func (r ProgressRecord) Succeeded() bool {
	return r.Completed && r.Error == "" && r.Result != nil
}

// Event types sent over the push channel.
const (
	EventConnected = "connected"
	EventProgress  = "progress"
	EventCompleted = "completed"
)

// ProgressEvent is sent to clients over WebSocket.
type ProgressEvent struct {
	Type               string          `json:"type"`
	JobID              string          `json:"job_id"`
	Percent            float64         `json:"percent"`
	Message            string          `json:"message,omitempty"`
	Speed              float64         `json:"speed,omitempty"`
	Completed          bool            `json:"completed"`
	Error              string          `json:"error,omitempty"`
	IsRestrictionError bool            `json:"is_restriction_error,omitempty"`
	Result             *StrategyResult `json:"result,omitempty"`
}

// EventFromRecord converts a registry record into its wire form.
func EventFromRecord(jobID string, rec ProgressRecord) ProgressEvent {
	typ := EventProgress
	if rec.Completed {
		typ = EventCompleted
	}
	return ProgressEvent{
		Type:               typ,
		JobID:              jobID,
		Percent:            rec.Percent,
		Message:            rec.Message,
		Speed:              rec.Speed,
		Completed:          rec.Completed,
		Error:              rec.Error,
		IsRestrictionError: rec.IsRestrictionError,
		Result:             rec.Result,
	}
}
