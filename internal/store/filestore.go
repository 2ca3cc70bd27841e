package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tutor-agent/internal/domain"
)

var timeNow = time.Now

// FileStore mirrors session state to a single JSON file. One file equals one
// session; there is no coordination between writers, last write wins.
type FileStore struct {
	path string
	log  *slog.Logger
}

func NewFileStore(path string, log *slog.Logger) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: path must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}
	return &FileStore{path: path, log: log}, nil
}

// Load reads the session file. A missing file or one that fails to parse is
// treated as "no prior session"; a corrupt file is left in place.
func (s *FileStore) Load(_ context.Context) (domain.SessionState, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.SessionState{}, nil
	}
	if err != nil {
		return domain.SessionState{}, fmt.Errorf("store: read session file: %w", err)
	}
	var st domain.SessionState
	if err := json.Unmarshal(raw, &st); err != nil {
		s.log.Warn("session file is not valid session state, ignoring", "path", s.path, "err", err)
		return domain.SessionState{}, nil
	}
	return st, nil
}

// Save overwrites the session file with the given state, refreshing the
// last-write timestamp.
func (s *FileStore) Save(_ context.Context, state domain.SessionState) error {
	state.Timestamp = timeNow().UTC()
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: marshal session state: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("store: create session dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("store: write session file: %w", err)
	}
	return nil
}

// Clear removes the session file, tolerating absence.
func (s *FileStore) Clear(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: remove session file: %w", err)
	}
	return nil
}
