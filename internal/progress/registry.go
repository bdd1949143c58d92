package progress

import (
	"log/slog"
	"sync"
	"time"

	"mediafetch/internal/models"
)

// Notifier mirrors registry writes to an out-of-band delivery path. The
// registry stays the single source of truth; the notifier never writes back.
type Notifier interface {
	Notify(jobID string, rec models.ProgressRecord)
}

// Registry is the authoritative store of per-job progress. One record per job
// id, replaced whole on every update. Terminal records are evicted after a
// fixed TTL.
type Registry struct {
	logger   *slog.Logger
	ttl      time.Duration
	notifier Notifier

	mu      sync.RWMutex
	records map[string]models.ProgressRecord
}

func NewRegistry(logger *slog.Logger, ttl time.Duration) *Registry {
	return &Registry{
		logger:  logger,
		ttl:     ttl,
		records: make(map[string]models.ProgressRecord),
	}
}

// SetNotifier attaches the push delivery path. Must be called before jobs
// start.
func (r *Registry) SetNotifier(n Notifier) {
	r.notifier = n
}

// Update replaces the current record for jobID. Updates arriving after a
// terminal record are ignored. A terminal record schedules its own eviction.
func (r *Registry) Update(jobID string, rec models.ProgressRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	r.mu.Lock()
	if prev, ok := r.records[jobID]; ok && prev.Completed {
		r.mu.Unlock()
		return
	}
	r.records[jobID] = rec
	r.mu.Unlock()

	if r.notifier != nil {
		r.notifier.Notify(jobID, rec)
	}

	if rec.Completed {
		time.AfterFunc(r.ttl, func() { r.evict(jobID) })
	}
}

// Get returns the current record for jobID.
func (r *Registry) Get(jobID string) (models.ProgressRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[jobID]
	return rec, ok
}

func (r *Registry) evict(jobID string) {
	r.mu.Lock()
	delete(r.records, jobID)
	r.mu.Unlock()
	r.logger.Debug("progress record evicted", "job_id", jobID)
}
