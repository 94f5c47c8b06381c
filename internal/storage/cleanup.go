package storage

import (
	"context"
	"sync"
	"time"

	"github.com/dgellow/quire-mcp/internal/log"
)

// DefaultCleanupInterval is how often expired credentials and idle sessions are reaped
const DefaultCleanupInterval = 5 * time.Minute

// Cleaner removes expired state and reports how many entries it dropped
type Cleaner interface {
	Cleanup(ctx context.Context) (int, error)
}

type namedCleaner struct {
	name    string
	cleaner Cleaner
}

// CleanupManager drives every registered Cleaner from a single ticker, so the
// token sweep and the idle-session sweep share one timer.
type CleanupManager struct {
	interval time.Duration
	cleaners []namedCleaner
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	started  bool
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(interval time.Duration) *CleanupManager {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &CleanupManager{
		interval: interval,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Register adds a cleaner. Must be called before Start.
func (cm *CleanupManager) Register(name string, cleaner Cleaner) {
	cm.cleaners = append(cm.cleaners, namedCleaner{name: name, cleaner: cleaner})
}

// Start begins the cleanup loop in a goroutine
func (cm *CleanupManager) Start(ctx context.Context) {
	names := make([]string, 0, len(cm.cleaners))
	for _, c := range cm.cleaners {
		names = append(names, c.name)
	}
	log.LogInfoWithFields("cleanup", "Starting cleanup manager", map[string]any{
		"interval": cm.interval.String(),
		"cleaners": names,
	})

	cm.started = true
	go cm.run(ctx)
}

// Stop cancels the timer and waits for an in-flight pass to finish
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() {
		close(cm.stopChan)
		if cm.started {
			<-cm.doneChan
		}
		log.LogInfo("Cleanup manager stopped")
	})
}

func (cm *CleanupManager) run(ctx context.Context) {
	defer close(cm.doneChan)

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce executes every cleaner once. A failing cleaner does not stop the others.
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	for _, c := range cm.cleaners {
		count, err := c.cleaner.Cleanup(ctx)
		if err != nil {
			log.LogErrorWithFields("cleanup", "Cleanup failed", map[string]any{
				"cleaner": c.name,
				"error":   err.Error(),
			})
			continue
		}
		if count > 0 {
			log.LogInfoWithFields("cleanup", "Removed expired entries", map[string]any{
				"cleaner": c.name,
				"count":   count,
			})
		}
	}
}
