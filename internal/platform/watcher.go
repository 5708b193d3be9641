package platform

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// LedgerWatcher monitors the entitlement ledger file and invokes a callback
// when the platform rewrites it, so renewals and revocations trigger a
// re-resolution without waiting for the next poll.
type LedgerWatcher struct {
	ledgerPath  string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	lastModTime time.Time
	onChange    func()
	stopOnce    sync.Once
}

// NewLedgerWatcher creates a watcher for the ledger at path. onChange runs
// on the watcher's goroutine after each detected rewrite.
func NewLedgerWatcher(ledgerPath string, onChange func()) (*LedgerWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	lw := &LedgerWatcher{
		ledgerPath: ledgerPath,
		watcher:    watcher,
		stopChan:   make(chan struct{}),
		onChange:   onChange,
	}

	if stat, err := os.Stat(ledgerPath); err == nil {
		lw.lastModTime = stat.ModTime()
	}

	return lw, nil
}

// Start begins watching. The ledger's directory is watched rather than the
// file itself so atomic rename-into-place rewrites are not missed.
func (lw *LedgerWatcher) Start() error {
	dir := filepath.Dir(lw.ledgerPath)
	if err := lw.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch ledger directory, falling back to polling")
		go lw.pollForChanges()
		return nil
	}

	go lw.watchForChanges()
	log.Info().Str("path", lw.ledgerPath).Msg("Started watching entitlement ledger")
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (lw *LedgerWatcher) Stop() {
	lw.stopOnce.Do(func() {
		close(lw.stopChan)
		lw.watcher.Close()
	})
}

func (lw *LedgerWatcher) watchForChanges() {
	for {
		select {
		case event, ok := <-lw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(lw.ledgerPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce, the write may still be in progress.
			time.Sleep(100 * time.Millisecond)
			log.Debug().Str("event", event.Op.String()).Msg("Detected entitlement ledger change")
			lw.fire()

		case err, ok := <-lw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Ledger watcher error")

		case <-lw.stopChan:
			return
		}
	}
}

func (lw *LedgerWatcher) pollForChanges() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(lw.ledgerPath)
			if err != nil {
				continue
			}
			if stat.ModTime().After(lw.lastModTime) {
				lw.lastModTime = stat.ModTime()
				log.Debug().Msg("Detected entitlement ledger change via polling")
				lw.fire()
			}
		case <-lw.stopChan:
			return
		}
	}
}

func (lw *LedgerWatcher) fire() {
	if lw.onChange != nil {
		lw.onChange()
	}
}
