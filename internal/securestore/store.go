package securestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/culinachef/subscription-go/internal/crypto"
)

// Facts are the canonical last-known subscription facts. One instance per
// installation; the store is a single shared slot with no per-user
// namespacing. Clearing on account change is the caller's responsibility.
type Facts struct {
	LastPayment *time.Time `json:"subscription_last_payment,omitempty"`
	PeriodEnd   *time.Time `json:"subscription_period_end,omitempty"`
	AutoRenew   bool       `json:"subscription_autorenew"`
}

const stateFileName = "subscription.enc"

// Store persists subscription facts encrypted at rest under the data
// directory. All reads and writes go through the store's lock; callers never
// read-modify-write the file directly.
type Store struct {
	mu     sync.RWMutex
	path   string
	crypto *crypto.Manager
}

// New creates a secure store rooted at dataDir.
func New(dataDir string, cryptoMgr *crypto.Manager) (*Store, error) {
	if dataDir == "" {
		return nil, errors.New("data directory is required")
	}
	if cryptoMgr == nil {
		return nil, errors.New("crypto manager is required")
	}

	return &Store{
		path:   filepath.Join(dataDir, stateFileName),
		crypto: cryptoMgr,
	}, nil
}

// Load returns the persisted facts. A missing state file is treated as
// "no facts yet" and returns the zero value.
func (s *Store) Load() (Facts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Facts{}, nil
		}
		return Facts{}, fmt.Errorf("read subscription state: %w", err)
	}
	if len(data) == 0 {
		return Facts{}, nil
	}

	plaintext, err := s.crypto.Decrypt(data)
	if err != nil {
		return Facts{}, fmt.Errorf("decrypt subscription state: %w", err)
	}

	var facts Facts
	if err := json.Unmarshal(plaintext, &facts); err != nil {
		return Facts{}, fmt.Errorf("decode subscription state: %w", err)
	}

	return facts, nil
}

// Save encrypts and persists the facts atomically.
func (s *Store) Save(facts Facts) error {
	plaintext, err := json.Marshal(facts)
	if err != nil {
		return fmt.Errorf("encode subscription state: %w", err)
	}

	data, err := s.crypto.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt subscription state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp subscription state: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit subscription state: %w", err)
	}

	return nil
}

// Clear removes the persisted facts. Intended for the sign-out path.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear subscription state: %w", err)
	}
	return nil
}
