package redisbus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/ports"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const DefaultPrefix = "ibd:"

// Bus diffuse les topics sur des canaux Redis pub/sub (répliques sur plusieurs hôtes).
// Il sert aussi de PeerOracle via PUBSUB NUMSUB.
type Bus struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

func New(client *redis.Client, prefix string, logger zerolog.Logger) *Bus {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Bus{client: client, prefix: prefix, logger: logger, subs: map[*redis.PubSub]struct{}{}}
}

func (b *Bus) channel(topic string) string { return b.prefix + topic }

func (b *Bus) Publish(topic string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("redis publish failed")
	}
}

// Subscribe attend la confirmation du serveur avant de rendre la main,
// de sorte que LivePeers compte déjà cet abonné.
func (b *Bus) Subscribe(topics ...string) (<-chan ports.Event, func()) {
	ctx := context.Background()
	var ps *redis.PubSub
	if len(topics) == 0 {
		ps = b.client.PSubscribe(ctx, b.prefix+"*")
	} else {
		channels := make([]string, 0, len(topics))
		for _, t := range topics {
			channels = append(channels, b.channel(t))
		}
		ps = b.client.Subscribe(ctx, channels...)
	}

	out := make(chan ports.Event, 256)
	if _, err := ps.Receive(ctx); err != nil {
		b.logger.Error().Err(err).Msg("redis subscribe failed")
		_ = ps.Close()
		close(out)
		return out, func() {}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		close(out)
		return out, func() {}
	}
	b.subs[ps] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			evt := ports.Event{Topic: strings.TrimPrefix(msg.Channel, b.prefix), Payload: []byte(msg.Payload)}
			select {
			case out <- evt:
			default:
				// drop si le client est trop lent
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ps)
			b.mu.Unlock()
			_ = ps.Close()
		})
	}
}

func (b *Bus) LivePeers(ctx context.Context, topic string) (int, error) {
	ch := b.channel(topic)
	counts, err := b.client.PubSubNumSub(ctx, ch).Result()
	if err != nil {
		return 0, err
	}
	return int(counts[ch]), nil
}

// Close ferme tous les abonnements (le client Redis reste à l'appelant).
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*redis.PubSub, 0, len(b.subs))
	for ps := range b.subs {
		subs = append(subs, ps)
	}
	b.subs = map[*redis.PubSub]struct{}{}
	b.mu.Unlock()
	for _, ps := range subs {
		_ = ps.Close()
	}
}
