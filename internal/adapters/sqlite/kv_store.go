package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/ports"
	"github.com/rs/xid"
)

// KVStore implémente ports.KVStore sur la table kv.
// Watch ne voit que les écritures faites par ce processus.
type KVStore struct {
	db     *sql.DB
	origin string

	mu       sync.Mutex
	watchers map[chan ports.KVChange]string
}

func NewKVStore(db *sql.DB) *KVStore {
	return &KVStore{db: db, origin: xid.New().String(), watchers: map[chan ports.KVChange]string{}}
}

func (s *KVStore) Origin() string { return s.origin }

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&b)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ports.ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv(key, value, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}

	change := ports.KVChange{Key: key, Value: append([]byte(nil), value...), Origin: s.origin}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch, prefix := range s.watchers {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		select {
		case ch <- change:
		default:
		}
	}
	return nil
}

func (s *KVStore) Watch(prefix string) (<-chan ports.KVChange, func()) {
	ch := make(chan ports.KVChange, 64)
	s.mu.Lock()
	s.watchers[ch] = prefix
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}
