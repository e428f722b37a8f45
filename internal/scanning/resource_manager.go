package scanning

import (
	"context"
	"sync"
	"time"

	"github.com/anstrom/netprobe/internal/errors"
)

// ResourceManager bounds how many scans run at the same time. The API, the
// scheduler and the CLI share one Scanner, so raw socket usage is capped here
// rather than per caller.
type ResourceManager interface {
	// Acquire blocks until a slot is free for scanID or ctx ends.
	Acquire(ctx context.Context, scanID string) error

	// Release frees the slot held by scanID. Unknown IDs are ignored.
	Release(scanID string)

	// Stats returns a snapshot of slot usage.
	Stats() ResourceStats

	// Close rejects further acquisitions.
	Close() error
}

// ResourceStats is a point-in-time view of a ResourceManager.
type ResourceStats struct {
	Capacity  int           `json:"capacity"`
	Active    int           `json:"active_scans"`
	Available int           `json:"available_slots"`
	Closed    bool          `json:"closed"`
	Oldest    time.Duration `json:"oldest_scan_age"`
}

// FixedResourceManager is a ResourceManager with a fixed number of slots.
type FixedResourceManager struct {
	capacity    int
	semaphore   chan struct{}
	activeScans map[string]time.Time
	mutex       sync.RWMutex
	closed      bool
}

// NewFixedResourceManager creates a manager with capacity slots. A capacity
// below one is raised to one.
func NewFixedResourceManager(capacity int) *FixedResourceManager {
	if capacity <= 0 {
		capacity = 1
	}

	return &FixedResourceManager{
		capacity:    capacity,
		semaphore:   make(chan struct{}, capacity),
		activeScans: make(map[string]time.Time),
	}
}

// Acquire implements ResourceManager.
func (rm *FixedResourceManager) Acquire(ctx context.Context, scanID string) error {
	rm.mutex.RLock()
	closed := rm.closed
	rm.mutex.RUnlock()
	if closed {
		return errors.NewScanError(errors.CodeServiceUnavailable, "scanner is shutting down")
	}

	select {
	case rm.semaphore <- struct{}{}:
		rm.mutex.Lock()
		rm.activeScans[scanID] = time.Now()
		rm.mutex.Unlock()
		return nil
	case <-ctx.Done():
		return errors.WrapScanError(errors.CodeCanceled, "canceled while waiting for a scan slot", ctx.Err())
	}
}

// Release implements ResourceManager.
func (rm *FixedResourceManager) Release(scanID string) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	if _, exists := rm.activeScans[scanID]; !exists {
		return
	}
	delete(rm.activeScans, scanID)

	select {
	case <-rm.semaphore:
	default:
	}
}

// Stats implements ResourceManager.
func (rm *FixedResourceManager) Stats() ResourceStats {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	stats := ResourceStats{
		Capacity:  rm.capacity,
		Active:    len(rm.activeScans),
		Available: rm.capacity - len(rm.activeScans),
		Closed:    rm.closed,
	}
	now := time.Now()
	for _, started := range rm.activeScans {
		stats.Oldest = max(stats.Oldest, now.Sub(started))
	}
	return stats
}

// Close implements ResourceManager. Scans already holding a slot keep it
// until they release it.
func (rm *FixedResourceManager) Close() error {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	rm.closed = true
	return nil
}
