package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mediafetch/internal/models"
)

// subscription binds a single live websocket to a job id.
type subscription struct {
	conn      *websocket.Conn
	connected bool
	startTime time.Time
}

// Pusher holds at most one live websocket per job id and mirrors registry
// updates to it. Delivery is best effort: a failed write drops the
// subscription, and the registry remains queryable either way.
type Pusher struct {
	logger     *slog.Logger
	closeGrace time.Duration

	mu   sync.Mutex
	subs map[string]*subscription
}

func NewPusher(logger *slog.Logger, closeGrace time.Duration) *Pusher {
	return &Pusher{
		logger:     logger,
		closeGrace: closeGrace,
		subs:       make(map[string]*subscription),
	}
}

// Subscribe registers conn as the only live subscription for jobID, replacing
// and closing any previous one, and sends the initial connected event.
func (p *Pusher) Subscribe(jobID string, conn *websocket.Conn) {
	p.mu.Lock()
	if prev, ok := p.subs[jobID]; ok {
		_ = prev.conn.Close()
	}
	p.subs[jobID] = &subscription{conn: conn, connected: true, startTime: time.Now()}
	p.mu.Unlock()

	p.send(jobID, models.ProgressEvent{Type: models.EventConnected, JobID: jobID})
}

// Unsubscribe removes the subscription for jobID if conn still owns it.
func (p *Pusher) Unsubscribe(jobID string, conn *websocket.Conn) {
	p.mu.Lock()
	if sub, ok := p.subs[jobID]; ok && sub.conn == conn {
		delete(p.subs, jobID)
	}
	p.mu.Unlock()
	_ = conn.Close()
}

// Notify implements the registry's Notifier. Terminal events schedule the
// subscription's closure after a short grace period so the client has a
// chance to read the final frame.
func (p *Pusher) Notify(jobID string, rec models.ProgressRecord) {
	p.send(jobID, models.EventFromRecord(jobID, rec))

	if rec.Completed {
		time.AfterFunc(p.closeGrace, func() { p.drop(jobID) })
	}
}

// HasSubscriber reports whether a live subscription exists for jobID.
func (p *Pusher) HasSubscriber(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.subs[jobID]
	return ok
}

// StartSweep evicts subscriptions older than maxAge regardless of state, as a
// guard against clients that never disconnect cleanly.
func (p *Pusher) StartSweep(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.sweep(maxAge)
			}
		}
	}()
}

func (p *Pusher) send(jobID string, evt models.ProgressEvent) {
	p.mu.Lock()
	sub, ok := p.subs[jobID]
	p.mu.Unlock()
	if !ok {
		return
	}

	if err := sub.conn.WriteJSON(evt); err != nil {
		p.logger.Debug("push write failed, dropping subscription", "job_id", jobID, "error", err)
		p.drop(jobID)
	}
}

func (p *Pusher) drop(jobID string) {
	p.mu.Lock()
	sub, ok := p.subs[jobID]
	if ok {
		delete(p.subs, jobID)
	}
	p.mu.Unlock()
	if ok {
		_ = sub.conn.Close()
	}
}

func (p *Pusher) sweep(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	var stale []string

	p.mu.Lock()
	for id, sub := range p.subs {
		if sub.startTime.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()

	for _, id := range stale {
		p.drop(id)
	}
	if len(stale) > 0 {
		p.logger.Info("push sweep completed", "removed_subscriptions", len(stale))
	}
}
