package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/ports"
	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
)

const kvTopic = "kv-changes"

type kvChange struct {
	Key    string `json:"key"`
	Value  []byte `json:"value"`
	Origin string `json:"origin"`
}

// KVStore stocke les clés dans Redis et publie chaque écriture sur le bus,
// ce qui rend Watch visible depuis tous les hôtes.
type KVStore struct {
	client *redis.Client
	bus    *Bus
	origin string
}

func NewKVStore(client *redis.Client, bus *Bus) *KVStore {
	return &KVStore{client: client, bus: bus, origin: xid.New().String()}
}

func (s *KVStore) Origin() string { return s.origin }

func (s *KVStore) key(k string) string { return s.bus.prefix + "kv:" + k }

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ports.ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return err
	}
	b, err := json.Marshal(kvChange{Key: key, Value: value, Origin: s.origin})
	if err != nil {
		return err
	}
	s.bus.Publish(kvTopic, b)
	return nil
}

func (s *KVStore) Watch(prefix string) (<-chan ports.KVChange, func()) {
	events, cancel := s.bus.Subscribe(kvTopic)
	out := make(chan ports.KVChange, 64)
	go func() {
		defer close(out)
		for evt := range events {
			var c kvChange
			if err := json.Unmarshal(evt.Payload, &c); err != nil {
				continue
			}
			if !strings.HasPrefix(c.Key, prefix) {
				continue
			}
			select {
			case out <- ports.KVChange{Key: c.Key, Value: c.Value, Origin: c.Origin}:
			default:
			}
		}
	}()
	return out, cancel
}
