package twitter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CookieStore stages user-supplied authentication cookie files for a single
// authenticated retry. Entries expire on first use or after a TTL, whichever
// comes first.
type CookieStore struct {
	logger *slog.Logger
	dir    string
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]cookieEntry
}

type cookieEntry struct {
	path      string
	createdAt time.Time
}

func NewCookieStore(logger *slog.Logger, dir string, ttl time.Duration) *CookieStore {
	return &CookieStore{
		logger:  logger,
		dir:     dir,
		ttl:     ttl,
		entries: make(map[string]cookieEntry),
	}
}

// Put writes the cookie file to disk under a generated session id.
func (s *CookieStore) Put(data []byte) (string, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return "", fmt.Errorf("create cookie dir: %w", err)
	}

	sessionID := uuid.New().String()
	path := filepath.Join(s.dir, sessionID+".txt")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write cookie file: %w", err)
	}

	s.mu.Lock()
	s.entries[sessionID] = cookieEntry{path: path, createdAt: time.Now()}
	s.mu.Unlock()

	s.logger.Info("cookie session staged", "session_id", sessionID)
	return sessionID, nil
}

// Take returns the cookie file path for sessionID and consumes the entry.
// The file stays on disk until the caller is done; Remove cleans it up.
func (s *CookieStore) Take(sessionID string) (string, bool) {
	s.mu.Lock()
	entry, ok := s.entries[sessionID]
	if ok {
		delete(s.entries, sessionID)
	}
	s.mu.Unlock()

	if !ok || time.Since(entry.createdAt) > s.ttl {
		if ok {
			_ = os.Remove(entry.path)
		}
		return "", false
	}
	return entry.path, true
}

// Remove deletes a consumed cookie file.
func (s *CookieStore) Remove(path string) {
	_ = os.Remove(path)
}

// StartSweep expires unconsumed sessions past their TTL.
func (s *CookieStore) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
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
				s.sweep()
			}
		}
	}()
}

func (s *CookieStore) sweep() {
	cutoff := time.Now().Add(-s.ttl)
	var stale []cookieEntry

	s.mu.Lock()
	for id, entry := range s.entries {
		if entry.createdAt.Before(cutoff) {
			stale = append(stale, entry)
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	for _, entry := range stale {
		_ = os.Remove(entry.path)
	}
	if len(stale) > 0 {
		s.logger.Info("cookie sweep completed", "removed_sessions", len(stale))
	}
}
