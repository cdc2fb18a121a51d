package snapshot

import (
	"context"
	"sync"
)

// Persister stores the encoded blob. Implementations hold exactly one blob.
type Persister interface {
	// Load returns the stored blob, or nil when nothing was saved yet.
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, blob []byte) error
	Clear(ctx context.Context) error
}

// MemoryPersister keeps the blob in process memory.
type MemoryPersister struct {
	mu    sync.Mutex
	blob  []byte
	saves int
}

// NewMemoryPersister returns an empty MemoryPersister.
func NewMemoryPersister() *MemoryPersister { return &MemoryPersister{} }

// Load implements Persister.
func (p *MemoryPersister) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.blob == nil {
		return nil, nil
	}
	return append([]byte(nil), p.blob...), nil
}

// Save implements Persister.
func (p *MemoryPersister) Save(ctx context.Context, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blob = append([]byte(nil), blob...)
	p.saves++
	return nil
}

// Clear implements Persister.
func (p *MemoryPersister) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blob = nil
	return nil
}

// Saves returns how many times Save succeeded.
func (p *MemoryPersister) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}
