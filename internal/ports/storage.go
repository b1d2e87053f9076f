package ports

import (
	"context"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
)

// KVStore est le stockage clé/valeur durable partagé entre répliques.
// Get renvoie ErrNotFound si la clé est absente.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Watch notifie les écritures dont la clé commence par prefix.
	Watch(prefix string) (ch <-chan KVChange, cancel func())
}

type KVChange struct {
	Key   string
	Value []byte
	// Origin identifie l'instance de store qui a écrit (permet d'ignorer ses propres écritures).
	Origin string
}

// VideoCache est la table locale des descripteurs, indexée par ID et par UploadTime.
type VideoCache interface {
	Get(ctx context.Context, id string) (domain.VideoDescriptor, error)
	Put(ctx context.Context, v domain.VideoDescriptor) error
	ListByUploadTime(ctx context.Context, from, to time.Time, limit int) ([]domain.VideoDescriptor, error)
}
