package submission

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Guard marks a session as having a submission in flight
type Guard interface {
	// Acquire returns ok=false when key is already held. The token identifies this acquisition.
	Acquire(ctx context.Context, key string) (token string, ok bool, err error)
	// Release frees key only while it is still held under token
	Release(ctx context.Context, key, token string) error
}

// MemoryGuard is a process-local Guard
type MemoryGuard struct {
	mu   sync.Mutex
	held map[string]string
}

// NewMemoryGuard creates an empty in-process guard
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{held: make(map[string]string)}
}

func (g *MemoryGuard) Acquire(_ context.Context, key string) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[key]; ok {
		return "", false, nil
	}
	token := uuid.New().String()
	g.held[key] = token
	return token, true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[key] == token {
		delete(g.held, key)
	}
	return nil
}

var _ Guard = (*MemoryGuard)(nil)
