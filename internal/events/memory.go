package events

import (
	"context"
	"sync"
)

// MemoryBus captures entries in process memory. Used by tests and by the
// daemon's dry-run mode, where events are held locally instead of reaching
// EventBridge.
type MemoryBus struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryBus returns an empty capture bus.
func NewMemoryBus() *MemoryBus { return &MemoryBus{} }

// Emit records the entry.
func (b *MemoryBus) Emit(_ context.Context, entry Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
	return nil
}

// Entries returns a copy of every captured entry in emit order.
func (b *MemoryBus) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Reset discards captured entries.
func (b *MemoryBus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}
