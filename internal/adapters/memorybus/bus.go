package memorybus

import (
	"context"
	"sync"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/ports"
)

type subscription struct {
	ch     chan ports.Event
	topics map[string]struct{}
}

func (s *subscription) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Bus est un EventBus in-process. Il sert aussi de PeerOracle: chaque abonné
// d'un topic compte comme une réplique vivante.
type Bus struct {
	mu    sync.Mutex
	subs  map[chan ports.Event]*subscription
	alive bool
}

func New() *Bus {
	return &Bus{subs: make(map[chan ports.Event]*subscription), alive: true}
}

func (b *Bus) Publish(topic string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.alive {
		return
	}
	evt := ports.Event{Topic: topic, Payload: payload}
	for ch, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case ch <- evt:
		default:
			// drop si le client est trop lent
		}
	}
}

func (b *Bus) Subscribe(topics ...string) (<-chan ports.Event, func()) {
	ch := make(chan ports.Event, 256)
	b.mu.Lock()
	if !b.alive {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	sub := &subscription{ch: ch, topics: make(map[string]struct{}, len(topics))}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	b.subs[ch] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, cancel
}

// LivePeers compte les abonnés explicites du topic (les abonnés "tous topics" ne comptent pas).
func (b *Bus) LivePeers(ctx context.Context, topic string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, sub := range b.subs {
		if _, ok := sub.topics[topic]; ok {
			n++
		}
	}
	return n, nil
}

// Close coupe le bus et ferme tous les abonnements.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.alive {
		return
	}
	b.alive = false
	for ch := range b.subs {
		close(ch)
	}
	b.subs = map[chan ports.Event]*subscription{}
}
