package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingCleaner struct {
	calls atomic.Int32
	err   error
}

func (c *countingCleaner) Cleanup(context.Context) (int, error) {
	c.calls.Add(1)
	return 1, c.err
}

func TestCleanupManagerRunOnce(t *testing.T) {
	failing := &countingCleaner{err: errors.New("boom")}
	healthy := &countingCleaner{}

	cm := NewCleanupManager(time.Minute)
	cm.Register("failing", failing)
	cm.Register("healthy", healthy)

	cm.RunOnce(context.Background())

	assert.EqualValues(t, 1, failing.calls.Load())
	assert.EqualValues(t, 1, healthy.calls.Load())
}

func TestCleanupManagerTicks(t *testing.T) {
	cleaner := &countingCleaner{}
	cm := NewCleanupManager(10 * time.Millisecond)
	cm.Register("tokens", cleaner)

	cm.Start(context.Background())
	assert.Eventually(t, func() bool {
		return cleaner.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	cm.Stop()
	after := cleaner.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, cleaner.calls.Load())

	// second stop is a no-op
	assert.NotPanics(t, cm.Stop)
}

func TestCleanupManagerStopWithoutStart(t *testing.T) {
	cm := NewCleanupManager(0)
	assert.Equal(t, DefaultCleanupInterval, cm.interval)
	assert.NotPanics(t, cm.Stop)
}
