package app

import (
	"context"
	"sync"
)

// slotGate admet au plus capacity() porteurs à la fois.
// La capacité se redimensionne à chaud; une baisse ne préempte personne,
// les porteurs en trop sortent naturellement via leave().
type slotGate struct {
	mu      sync.Mutex
	size    int
	held    int
	changed chan struct{}
}

func newSlotGate(size int) *slotGate {
	return &slotGate{size: max(size, 1), changed: make(chan struct{})}
}

// enter prend un slot, ou échoue avec ctx.Err().
func (g *slotGate) enter(ctx context.Context) error {
	g.mu.Lock()
	for g.held >= g.size {
		wake := g.changed
		g.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}

		g.mu.Lock()
	}
	g.held++
	g.mu.Unlock()
	return nil
}

func (g *slotGate) leave() {
	g.mu.Lock()
	if g.held > 0 {
		g.held--
	}
	g.broadcastLocked()
	g.mu.Unlock()
}

func (g *slotGate) resize(size int) {
	size = max(size, 1)
	g.mu.Lock()
	if size != g.size {
		g.size = size
		g.broadcastLocked()
	}
	g.mu.Unlock()
}

func (g *slotGate) capacity() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.size
}

func (g *slotGate) broadcastLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}
