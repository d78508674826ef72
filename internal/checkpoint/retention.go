package checkpoint

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RetentionConfig holds the cleanup policy for old run directories.
type RetentionConfig struct {
	// TTLHours is the time-to-live for run checkpoint directories.
	// Runs untouched for longer are deleted during cleanup.
	// Default: 168 (7 days)
	TTLHours int

	// CleanupIntervalHours is the interval between cleanup passes.
	// Default: 24 (once per day)
	CleanupIntervalHours int
}

// WithDefaults returns a copy of the config with zero values replaced by
// defaults.
func (c RetentionConfig) WithDefaults() RetentionConfig {
	result := c
	if result.TTLHours <= 0 {
		result.TTLHours = 168
	}
	if result.CleanupIntervalHours <= 0 {
		result.CleanupIntervalHours = 24
	}
	return result
}

// RetentionStore is the slice of Store the retention manager needs.
type RetentionStore interface {
	BaseDir() string
	DeleteRun(runID string) error
}

// Retention handles periodic cleanup of old run checkpoint directories.
type Retention struct {
	config    RetentionConfig
	store     RetentionStore
	stopCh    chan struct{}
	stoppedCh chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewRetention creates a new retention manager over a store.
func NewRetention(config RetentionConfig, store RetentionStore) *Retention {
	return &Retention{
		config:    config.WithDefaults(),
		store:     store,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start begins the background cleanup goroutine.
func (r *Retention) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.running = true
	go r.run()
}

// Stop signals the background goroutine to stop and waits for it to exit.
func (r *Retention) Stop() {
	shouldStop := false
	func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if !r.running {
			return
		}
		r.running = false
		shouldStop = true
	}()

	if !shouldStop {
		return
	}

	close(r.stopCh)
	<-r.stoppedCh
}

func (r *Retention) run() {
	defer close(r.stoppedCh)

	interval := time.Duration(r.config.CleanupIntervalHours) * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Retention) cleanup() {
	deleted := r.cleanupRuns()
	if deleted > 0 {
		log.Printf("[Retention] Deleted %d run directories older than %d hours", deleted, r.config.TTLHours)
	}
}

func (r *Retention) cleanupRuns() int {
	if r.store == nil {
		return 0
	}

	baseDir := r.store.BaseDir()
	if baseDir == "" {
		return 0
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[Retention] Failed to read checkpoint directory: %v", err)
		}
		return 0
	}

	ttlMs := int64(r.config.TTLHours) * 60 * 60 * 1000
	now := time.Now().UnixMilli()
	deleted := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		runID := entry.Name()
		runDir := filepath.Join(baseDir, runID)

		modTime, err := latestModTime(runDir)
		if err != nil {
			continue
		}

		age := now - modTime.UnixMilli()
		if age > ttlMs {
			if err := r.store.DeleteRun(runID); err != nil {
				log.Printf("[Retention] Failed to delete run %s: %v", runID, err)
				continue
			}
			deleted++
		}
	}

	return deleted
}

func latestModTime(dir string) (time.Time, error) {
	var latest time.Time

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}

		return nil
	})

	if err != nil {
		return time.Time{}, err
	}

	return latest, nil
}

// RunCleanupNow triggers an immediate cleanup pass.
func (r *Retention) RunCleanupNow() {
	r.cleanup()
}
