package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultCleanupAge      = 7 * 24 * time.Hour // 7 days
	DefaultCleanupInterval = 24 * time.Hour
)

// Cleanup deletes transcripts that have not been written for longer than
// the cleanup age.
type Cleanup struct {
	store      *Store
	cleanupAge time.Duration
	interval   time.Duration
	stopCh     chan struct{}
	running    bool
	mu         sync.Mutex
}

// NewCleanup creates a new transcript cleanup handler
func NewCleanup(store *Store, cleanupAge time.Duration) *Cleanup {
	if cleanupAge == 0 {
		cleanupAge = DefaultCleanupAge
	}

	return &Cleanup{
		store:      store,
		cleanupAge: cleanupAge,
		interval:   DefaultCleanupInterval,
	}
}

// Start starts the cleanup handler
func (c *Cleanup) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("cleanup is already running")
	}

	c.running = true
	c.stopCh = make(chan struct{})
	go c.run(c.stopCh)

	log.Info().
		Dur("cleanup_age", c.cleanupAge).
		Msg("Transcript cleanup started")

	return nil
}

// Stop stops the cleanup handler
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return fmt.Errorf("cleanup is not running")
	}

	close(c.stopCh)
	c.running = false

	log.Info().Msg("Transcript cleanup stopped")

	return nil
}

// IsRunning returns whether the cleanup is running
func (c *Cleanup) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// run is the main cleanup loop
func (c *Cleanup) run(stopCh <-chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Run immediately on start
	if _, err := c.CleanupNow(); err != nil {
		log.Error().Err(err).Msg("Failed to clean up old transcripts")
	}

	for {
		select {
		case <-ticker.C:
			if _, err := c.CleanupNow(); err != nil {
				log.Error().Err(err).Msg("Failed to clean up old transcripts")
			}
		case <-stopCh:
			return
		}
	}
}

// CleanupNow deletes expired transcripts and returns how many were removed
func (c *Cleanup) CleanupNow() (int, error) {
	ids, err := c.store.List()
	if err != nil {
		return 0, fmt.Errorf("failed to list transcripts: %w", err)
	}

	now := time.Now()
	deleted := 0

	for _, id := range ids {
		info, err := c.store.Info(id)
		if err != nil {
			log.Warn().
				Str("workflow_id", id).
				Err(err).
				Msg("Failed to get transcript info")
			continue
		}

		age := now.Sub(info.LastModified)
		if age < c.cleanupAge {
			continue
		}

		if err := c.store.Delete(id); err != nil {
			log.Error().
				Str("workflow_id", id).
				Err(err).
				Msg("Failed to delete transcript")
			continue
		}
		deleted++

		log.Debug().
			Str("workflow_id", id).
			Dur("age", age).
			Msg("Transcript deleted")
	}

	if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("Cleaned up old transcripts")
	}

	return deleted, nil
}
