package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/ports"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

const (
	SelectionTopic      = "selection"
	selectionStorageKey = "selection/snapshot"

	// DefaultBootstrapTimeout borne l'attente d'un FullState après RequestState.
	// Passé ce délai, la réplique retombe sur le snapshot persisté.
	DefaultBootstrapTimeout = 1500 * time.Millisecond
)

type selectionMessageType string

const (
	msgSet          selectionMessageType = "set"
	msgDelete       selectionMessageType = "delete"
	msgRequestState selectionMessageType = "request_state"
	msgFullState    selectionMessageType = "full_state"
	msgClosing      selectionMessageType = "closing"
)

type selectionMessage struct {
	Type      selectionMessageType   `json:"type"`
	Sender    string                 `json:"sender"`
	Timestamp int64                  `json:"timestamp"`
	Key       string                 `json:"key,omitempty"`
	Value     *domain.SelectionEntry `json:"value,omitempty"`
	Snapshot  *domain.Snapshot       `json:"snapshot,omitempty"`
}

type SelectionChangeKind string

const (
	SelectionSet     SelectionChangeKind = "set"
	SelectionDelete  SelectionChangeKind = "delete"
	SelectionReplace SelectionChangeKind = "replace"
)

type SelectionChange struct {
	Kind   SelectionChangeKind
	Key    string
	Value  domain.SelectionEntry
	Remote bool
}

type SelectionOptions struct {
	ReplicaID        string
	BootstrapTimeout time.Duration
	// Clock renvoie l'heure murale en millisecondes.
	Clock func() int64
}

func DefaultSelectionOptions() SelectionOptions {
	return SelectionOptions{
		ReplicaID:        xid.New().String(),
		BootstrapTimeout: DefaultBootstrapTimeout,
		Clock:            func() int64 { return time.Now().UnixMilli() },
	}
}

// SelectionReplica est une copie locale de la sélection, synchronisée avec les
// autres répliques en last-writer-wins sur le timestamp de dernière mutation.
//
// Aucune garantie d'ordre total: deux éditions concurrentes sont départagées
// uniquement par comparaison de timestamps (pas de compensation du décalage d'horloge).
type SelectionReplica struct {
	logger zerolog.Logger
	bus    ports.EventBus
	peers  ports.PeerOracle
	kv     ports.KVStore
	opts   SelectionOptions

	mu     sync.Mutex
	keys   []string
	values map[string]domain.SelectionEntry
	ts     int64

	adopted   chan struct{}
	listeners map[int]func(SelectionChange)
	nextID    int

	cancel func()
	done   chan struct{}
}

func NewSelectionReplica(logger zerolog.Logger, bus ports.EventBus, peers ports.PeerOracle, kv ports.KVStore, opts SelectionOptions) *SelectionReplica {
	def := DefaultSelectionOptions()
	if opts.ReplicaID == "" {
		opts.ReplicaID = def.ReplicaID
	}
	if opts.BootstrapTimeout <= 0 {
		opts.BootstrapTimeout = def.BootstrapTimeout
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	return &SelectionReplica{
		logger:    logger.With().Str("replica", opts.ReplicaID).Logger(),
		bus:       bus,
		peers:     peers,
		kv:        kv,
		opts:      opts,
		values:    map[string]domain.SelectionEntry{},
		adopted:   make(chan struct{}, 1),
		listeners: map[int]func(SelectionChange){},
	}
}

func (r *SelectionReplica) ID() string { return r.opts.ReplicaID }

// Init s'abonne au canal, puis amorce l'état: depuis le stockage durable si la
// réplique est seule, sinon via RequestState (fallback stockage après BootstrapTimeout).
func (r *SelectionReplica) Init(ctx context.Context) error {
	ch, cancel := r.bus.Subscribe(SelectionTopic)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ch)

	n, err := r.livePeers(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("peer count failed, assuming alone")
		n = 1
	}
	if n <= 1 {
		return r.loadPersisted(ctx)
	}

	snap := r.Snapshot()
	r.publish(selectionMessage{Type: msgRequestState, Timestamp: snap.Timestamp, Snapshot: &snap})

	timer := time.NewTimer(r.opts.BootstrapTimeout)
	defer timer.Stop()
	select {
	case <-r.adopted:
		r.logger.Debug().Msg("state adopted from peer")
		return nil
	case <-timer.C:
		r.logger.Debug().Int("peers", n).Msg("no peer reply, falling back to storage")
		return r.loadPersisted(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown persiste le snapshot si la réplique est la dernière vivante, sinon
// diffuse un Closing pour qu'un pair en cours d'initialisation puisse l'adopter.
func (r *SelectionReplica) Shutdown(ctx context.Context) error {
	var err error
	n, perr := r.livePeers(ctx)
	if perr != nil {
		n = 1
	}
	snap := r.Snapshot()
	if n <= 1 {
		err = r.persist(ctx, snap)
	} else {
		r.publish(selectionMessage{Type: msgClosing, Timestamp: snap.Timestamp, Snapshot: &snap})
	}

	if r.cancel != nil {
		r.cancel()
		<-r.done
		r.cancel = nil
	}
	return err
}

func (r *SelectionReplica) livePeers(ctx context.Context) (int, error) {
	if r.peers == nil {
		return 1, nil
	}
	return r.peers.LivePeers(ctx, SelectionTopic)
}

func (r *SelectionReplica) Set(key string, value domain.SelectionEntry) {
	r.mu.Lock()
	ts := r.nextTimestampLocked()
	r.setLocked(key, value)
	r.ts = ts
	r.mu.Unlock()

	v := value
	r.publish(selectionMessage{Type: msgSet, Timestamp: ts, Key: key, Value: &v})
	r.emit(SelectionChange{Kind: SelectionSet, Key: key, Value: value})
}

func (r *SelectionReplica) Delete(key string) bool {
	r.mu.Lock()
	if _, ok := r.values[key]; !ok {
		r.mu.Unlock()
		return false
	}
	ts := r.nextTimestampLocked()
	r.deleteLocked(key)
	r.ts = ts
	r.mu.Unlock()

	r.publish(selectionMessage{Type: msgDelete, Timestamp: ts, Key: key})
	r.emit(SelectionChange{Kind: SelectionDelete, Key: key})
	return true
}

func (r *SelectionReplica) Get(key string) (domain.SelectionEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[key]
	return v, ok
}

func (r *SelectionReplica) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

func (r *SelectionReplica) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func (r *SelectionReplica) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

func (r *SelectionReplica) Timestamp() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ts
}

func (r *SelectionReplica) Snapshot() domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Subscribe enregistre un callback appelé après chaque mutation (locale ou distante).
func (r *SelectionReplica) Subscribe(fn func(SelectionChange)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *SelectionReplica) run(ch <-chan ports.Event) {
	defer close(r.done)
	for evt := range ch {
		r.handle(evt.Payload)
	}
}

func (r *SelectionReplica) handle(payload []byte) {
	var msg selectionMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.logger.Debug().Err(err).Msg("invalid selection message")
		return
	}
	if msg.Sender == r.opts.ReplicaID {
		return
	}

	switch msg.Type {
	case msgSet:
		if msg.Value == nil {
			return
		}
		r.mu.Lock()
		// Égalité => rejet du message distant.
		if msg.Timestamp <= r.ts {
			r.mu.Unlock()
			return
		}
		r.setLocked(msg.Key, *msg.Value)
		r.ts = msg.Timestamp
		r.mu.Unlock()
		r.emit(SelectionChange{Kind: SelectionSet, Key: msg.Key, Value: *msg.Value, Remote: true})

	case msgDelete:
		r.mu.Lock()
		if msg.Timestamp <= r.ts {
			r.mu.Unlock()
			return
		}
		r.deleteLocked(msg.Key)
		r.ts = msg.Timestamp
		r.mu.Unlock()
		r.emit(SelectionChange{Kind: SelectionDelete, Key: msg.Key, Remote: true})

	case msgRequestState:
		if msg.Snapshot == nil {
			return
		}
		r.mu.Lock()
		switch {
		case r.ts == msg.Timestamp:
			r.mu.Unlock()
		case r.ts > msg.Timestamp:
			snap := r.snapshotLocked()
			r.mu.Unlock()
			r.publish(selectionMessage{Type: msgFullState, Timestamp: snap.Timestamp, Snapshot: &snap})
		default:
			r.replaceLocked(*msg.Snapshot)
			r.mu.Unlock()
			r.emit(SelectionChange{Kind: SelectionReplace, Remote: true})
		}

	case msgFullState, msgClosing:
		if msg.Snapshot == nil {
			return
		}
		r.mu.Lock()
		if msg.Timestamp <= r.ts {
			r.mu.Unlock()
			return
		}
		r.replaceLocked(*msg.Snapshot)
		r.mu.Unlock()
		r.signalAdopted()
		r.emit(SelectionChange{Kind: SelectionReplace, Remote: true})
	}
}

func (r *SelectionReplica) loadPersisted(ctx context.Context) error {
	if r.kv == nil {
		return nil
	}
	stored, err := r.readPersisted(ctx)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil
		}
		return err
	}
	r.mu.Lock()
	if stored.Timestamp <= r.ts {
		r.mu.Unlock()
		return nil
	}
	r.replaceLocked(stored)
	r.mu.Unlock()
	r.logger.Info().Int("entries", len(stored.Entries)).Int64("timestamp", stored.Timestamp).Msg("selection restored from storage")
	r.emit(SelectionChange{Kind: SelectionReplace})
	return nil
}

func (r *SelectionReplica) persist(ctx context.Context, snap domain.Snapshot) error {
	if r.kv == nil {
		return nil
	}
	stored, err := r.readPersisted(ctx)
	if err != nil && !errors.Is(err, ports.ErrNotFound) {
		return err
	}
	if err == nil && stored.Timestamp >= snap.Timestamp {
		return nil
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.kv.Set(ctx, selectionStorageKey, b)
}

func (r *SelectionReplica) readPersisted(ctx context.Context) (domain.Snapshot, error) {
	b, err := r.kv.Get(ctx, selectionStorageKey)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		// Snapshot corrompu: on l'ignore.
		return domain.Snapshot{}, ports.ErrNotFound
	}
	return snap, nil
}

func (r *SelectionReplica) publish(msg selectionMessage) {
	if r.bus == nil {
		return
	}
	msg.Sender = r.opts.ReplicaID
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	r.bus.Publish(SelectionTopic, b)
}

func (r *SelectionReplica) emit(change SelectionChange) {
	r.mu.Lock()
	fns := make([]func(SelectionChange), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

func (r *SelectionReplica) signalAdopted() {
	select {
	case r.adopted <- struct{}{}:
	default:
	}
}

// nextTimestampLocked garantit un timestamp strictement croissant même si
// l'horloge locale est en retard sur un timestamp adopté d'un pair.
func (r *SelectionReplica) nextTimestampLocked() int64 {
	now := r.opts.Clock()
	if now <= r.ts {
		now = r.ts + 1
	}
	return now
}

func (r *SelectionReplica) setLocked(key string, value domain.SelectionEntry) {
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

func (r *SelectionReplica) deleteLocked(key string) {
	if _, ok := r.values[key]; !ok {
		return
	}
	delete(r.values, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
}

func (r *SelectionReplica) replaceLocked(snap domain.Snapshot) {
	r.keys = r.keys[:0]
	r.values = make(map[string]domain.SelectionEntry, len(snap.Entries))
	for _, item := range snap.Entries {
		r.setLocked(item.Key, item.Value)
	}
	r.ts = snap.Timestamp
}

func (r *SelectionReplica) snapshotLocked() domain.Snapshot {
	entries := make([]domain.SelectionItem, 0, len(r.keys))
	for _, k := range r.keys {
		entries = append(entries, domain.SelectionItem{Key: k, Value: r.values[k]})
	}
	return domain.Snapshot{Timestamp: r.ts, Entries: entries}
}
