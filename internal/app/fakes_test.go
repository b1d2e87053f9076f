package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/ports"
)

type memKV struct {
	mu       sync.Mutex
	data     map[string][]byte
	origin   string
	watchers map[chan ports.KVChange]string
}

func newMemKV() *memKV {
	return &memKV{data: map[string][]byte{}, origin: "mem", watchers: map[chan ports.KVChange]string{}}
}

func (m *memKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *memKV) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	for ch, prefix := range m.watchers {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		select {
		case ch <- ports.KVChange{Key: key, Value: append([]byte(nil), value...), Origin: m.origin}:
		default:
		}
	}
	return nil
}

func (m *memKV) Watch(prefix string) (<-chan ports.KVChange, func()) {
	ch := make(chan ports.KVChange, 16)
	m.mu.Lock()
	m.watchers[ch] = prefix
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		if _, ok := m.watchers[ch]; ok {
			delete(m.watchers, ch)
			close(ch)
		}
		m.mu.Unlock()
	}
}

// recordingBus capture les messages publiés pour une livraison manuelle (messages retardés).
type recordingBus struct {
	mu   sync.Mutex
	sent []ports.Event
}

func (b *recordingBus) Publish(topic string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, ports.Event{Topic: topic, Payload: append([]byte(nil), payload...)})
}

func (b *recordingBus) Subscribe(topics ...string) (<-chan ports.Event, func()) {
	ch := make(chan ports.Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

func (b *recordingBus) take() []ports.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.sent
	b.sent = nil
	return out
}

type fixedPeers int

func (p fixedPeers) LivePeers(ctx context.Context, topic string) (int, error) { return int(p), nil }

type memCache struct {
	mu   sync.Mutex
	byID map[string]domain.VideoDescriptor
}

func newMemCache() *memCache { return &memCache{byID: map[string]domain.VideoDescriptor{}} }

func (c *memCache) Get(ctx context.Context, id string) (domain.VideoDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.byID[id]
	if !ok {
		return domain.VideoDescriptor{}, ports.ErrNotFound
	}
	return v, nil
}

func (c *memCache) Put(ctx context.Context, v domain.VideoDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[v.ID] = v
	return nil
}

func (c *memCache) ListByUploadTime(ctx context.Context, from, to time.Time, limit int) ([]domain.VideoDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []domain.VideoDescriptor{}
	for _, v := range c.byID {
		if !v.UploadTime.Before(from) && v.UploadTime.Before(to) {
			out = append(out, v)
		}
	}
	return out, nil
}

type memSettingsRepo struct {
	mu sync.Mutex
	s  domain.Settings
}

func newMemSettingsRepo(s domain.Settings) *memSettingsRepo { return &memSettingsRepo{s: s} }

func (r *memSettingsRepo) Get(ctx context.Context) (domain.Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s, nil
}

func (r *memSettingsRepo) Put(ctx context.Context, s domain.Settings) (domain.Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s = s
	return s, nil
}
