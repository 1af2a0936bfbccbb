package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"hoopslab/leaderboards/internal/cache"
	"hoopslab/leaderboards/internal/models"
)

// TTL is how long progress survives in the cache after its last update
const TTL = time.Hour

const storeFile = "progress_store.json"

// Store persists background job progress so clients can poll it.
// Progress lives in the cache when one is configured, otherwise in a JSON
// file under dir.
type Store struct {
	cache cache.Store
	path  string

	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates a progress store. c may be nil, in which case progress is
// written to dir.
func NewStore(c cache.Store, dir string) *Store {
	s := &Store{cache: c, now: time.Now}
	if dir != "" {
		s.path = filepath.Join(dir, storeFile)
	}
	return s
}

// Set records progress for key. percent is clamped to [0, 100].
func (s *Store) Set(ctx context.Context, key string, percent int, message string, done bool, jobErr error) (*models.Progress, error) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	p := &models.Progress{
		Percent:   percent,
		Message:   message,
		Done:      done,
		UpdatedAt: s.now().UTC().Format(time.RFC3339),
	}
	if jobErr != nil {
		msg := jobErr.Error()
		p.Error = &msg
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, p, TTL); err != nil {
			return p, fmt.Errorf("failed to store progress: %w", err)
		}
		return p, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.readFile()
	entries[key] = p
	if err := s.writeFile(entries); err != nil {
		return p, err
	}
	return p, nil
}

// Get returns the progress stored for key, or nil when there is none
func (s *Store) Get(ctx context.Context, key string) (*models.Progress, error) {
	if s.cache != nil {
		var p models.Progress
		err := s.cache.Get(ctx, key, &p)
		if errors.Is(err, cache.ErrMiss) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read progress: %w", err)
		}
		return &p, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.readFile()[key], nil
}

// Clear removes progress for key
func (s *Store) Clear(ctx context.Context, key string) error {
	if s.cache != nil {
		return s.cache.Delete(ctx, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.readFile()
	if _, ok := entries[key]; !ok {
		return nil
	}
	delete(entries, key)
	return s.writeFile(entries)
}

func (s *Store) readFile() map[string]*models.Progress {
	entries := make(map[string]*models.Progress)
	if s.path == "" {
		return entries
	}

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return entries
	}
	if err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("Unable to read progress store")
		return entries
	}

	if err := json.Unmarshal(raw, &entries); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Progress store was corrupt; resetting")
		return make(map[string]*models.Progress)
	}
	return entries
}

// writeFile replaces the store file atomically via a temp file in the same directory
func (s *Store) writeFile(entries map[string]*models.Progress) error {
	if s.path == "" {
		return nil
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode progress store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create progress dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, storeFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp progress file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write progress file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close progress file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace progress file: %w", err)
	}
	return nil
}
