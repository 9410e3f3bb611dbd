package cache

import (
	"context"
	"sync"
	"time"

	"github.com/KeremKalyoncu/medresolve/internal/types"
)

type memoryEntry struct {
	platform  types.Platform
	payload   []byte
	expiresAt time.Time
}

// MemoryBackend is a process-local backend for single-instance deployments and tests
type MemoryBackend struct {
	mu     sync.RWMutex
	items  map[string]memoryEntry
	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
}

// NewMemoryBackend creates a memory backend. A positive sweep interval starts
// a goroutine removing expired entries until Close.
func NewMemoryBackend(sweep time.Duration) *MemoryBackend {
	b := &MemoryBackend{
		items:  make(map[string]memoryEntry),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	if sweep > 0 {
		go b.cleanup(sweep)
	}
	return b
}

// Get implements Backend
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.items[key]
	if !ok || !b.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	return e.payload, true, nil
}

// Set implements Backend
func (b *MemoryBackend) Set(_ context.Context, key string, platform types.Platform, payload []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[key] = memoryEntry{
		platform:  platform,
		payload:   payload,
		expiresAt: b.now().Add(ttl),
	}
	return nil
}

// Delete implements Backend
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.items, key)
	return nil
}

// Clear implements Backend
func (b *MemoryBackend) Clear(_ context.Context, platform types.Platform) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var n int64
	for key, e := range b.items {
		if platform == "" || e.platform == platform {
			delete(b.items, key)
			n++
		}
	}
	return n, nil
}

// CountByPlatform implements Backend
func (b *MemoryBackend) CountByPlatform(_ context.Context) (map[types.Platform]int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := b.now()
	counts := make(map[types.Platform]int64)
	for _, e := range b.items {
		if now.Before(e.expiresAt) {
			counts[e.platform]++
		}
	}
	return counts, nil
}

// Close stops the sweeper
func (b *MemoryBackend) Close() error {
	b.once.Do(func() { close(b.stopCh) })
	return nil
}

func (b *MemoryBackend) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.removeExpired()
		case <-b.stopCh:
			return
		}
	}
}

func (b *MemoryBackend) removeExpired() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for key, e := range b.items {
		if !now.Before(e.expiresAt) {
			delete(b.items, key)
		}
	}
}
