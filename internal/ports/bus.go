package ports

import "context"

// EventBus est un canal de diffusion fire-and-forget, découpé en topics.
// Aucune garantie de livraison aux abonnés qui ne sont pas encore inscrits.
type EventBus interface {
	Publish(topic string, payload []byte)
	// Subscribe s'abonne aux topics donnés (tous si aucun).
	Subscribe(topics ...string) (ch <-chan Event, cancel func())
}

type Event struct {
	Topic   string
	Payload []byte
}

// PeerOracle compte les répliques vivantes abonnées à un topic (soi-même inclus).
type PeerOracle interface {
	LivePeers(ctx context.Context, topic string) (int, error)
}
