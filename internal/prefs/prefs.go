package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store is an ordinary (non-secure) local preference store: a plain JSON
// key/value file. It holds values that are not sensitive, like the migration
// flag and the legacy pre-encryption subscription fields.
type Store struct {
	mu   sync.RWMutex
	path string
}

// New creates a preference store backed by the given file path.
func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) readLocked() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("read preferences: %w", err)
	}
	if len(data) == 0 {
		return map[string]json.RawMessage{}, nil
	}

	values := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode preferences: %w", err)
	}
	return values, nil
}

func (s *Store) writeLocked(values map[string]json.RawMessage) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create preferences directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp preferences: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit preferences: %w", err)
	}
	return nil
}

func (s *Store) get(key string, out any) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values, err := s.readLocked()
	if err != nil {
		return false
	}
	raw, ok := values[key]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

// GetString returns the string value for key, if present.
func (s *Store) GetString(key string) (string, bool) {
	var v string
	ok := s.get(key, &v)
	return v, ok
}

// GetBool returns the bool value for key, if present.
func (s *Store) GetBool(key string) (bool, bool) {
	var v bool
	ok := s.get(key, &v)
	return v, ok
}

// GetTime returns the timestamp value for key, if present.
func (s *Store) GetTime(key string) (time.Time, bool) {
	var v time.Time
	ok := s.get(key, &v)
	return v, ok
}

// Set stores a value under key.
func (s *Store) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode preference %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.readLocked()
	if err != nil {
		return err
	}
	values[key] = raw
	return s.writeLocked(values)
}

// Delete removes a key. Removing an absent key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.readLocked()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return s.writeLocked(values)
}
