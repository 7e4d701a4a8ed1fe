package replicated

import (
	"context"
	"slices"
	"sync"
)

// MemoryOutbox keeps the queue in process memory.
type MemoryOutbox struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{}
}

func (o *MemoryOutbox) Enqueue(_ context.Context, e Entry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e.TxIDs = slices.Clone(e.TxIDs)
	o.entries = append(o.entries, e)
	return nil
}

func (o *MemoryOutbox) Pending(_ context.Context) ([]Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.entries), nil
}

func (o *MemoryOutbox) Ack(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = slices.DeleteFunc(o.entries, func(e Entry) bool { return e.ID == id })
	return nil
}
