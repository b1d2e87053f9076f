package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/app"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
)

const (
	streamPingInterval = 15 * time.Second
	streamBuffer       = 64
)

type streamEvent struct {
	Name string
	Data []byte
}

type selectionWatcher interface {
	Subscribe(fn func(app.SelectionChange)) func()
}

type selectionEvent struct {
	Kind   app.SelectionChangeKind `json:"kind"`
	Key    string                  `json:"key,omitempty"`
	Value  *domain.SelectionEntry  `json:"value,omitempty"`
	Remote bool                    `json:"remote"`
}

// stream fusionne les notifications du bus et les changements de sélection.
// Un client lent perd des événements plutôt que de bloquer les émetteurs.
func (s *Server) stream(ctx context.Context) <-chan streamEvent {
	out := make(chan streamEvent, streamBuffer)
	var cancels []func()

	if s.deps.Bus != nil {
		ch, cancel := s.deps.Bus.Subscribe(app.NotificationTopic)
		cancels = append(cancels, cancel)
		go func() {
			for ev := range ch {
				select {
				case out <- streamEvent{Name: ev.Topic, Data: ev.Payload}:
				default:
				}
			}
		}()
	}
	if w, ok := s.deps.Selection.(selectionWatcher); ok {
		cancels = append(cancels, w.Subscribe(func(c app.SelectionChange) {
			ev := selectionEvent{Kind: c.Kind, Key: c.Key, Remote: c.Remote}
			if c.Kind == app.SelectionSet {
				v := c.Value
				ev.Value = &v
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return
			}
			select {
			case out <- streamEvent{Name: app.SelectionTopic, Data: data}:
			default:
			}
		}))
	}

	go func() {
		<-ctx.Done()
		for _, cancel := range cancels {
			cancel()
		}
	}()
	return out
}

// handleEvents relaie notifications et changements de sélection en SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := s.stream(ctx)

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	fmt.Fprintf(w, "event: hello\ndata: {\"status\":\"connected\"}\n\n")
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}
