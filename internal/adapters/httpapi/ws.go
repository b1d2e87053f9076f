package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"
)

const wsWriteTimeout = 10 * time.Second

// L'API n'écoute qu'en local: l'origine de la page hôte est acceptée telle quelle.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// handleWS relaie les mêmes événements que /events sur une websocket.
// Les messages entrants sont ignorés; la lecture sert à détecter la fermeture.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	logger := hlog.FromRequest(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	events := s.stream(ctx)
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	if err := s.writeWS(conn, wsMessage{Event: "hello", Data: json.RawMessage(`{"status":"connected"}`)}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := s.writeWS(conn, wsMessage{Event: ev.Name, Data: ev.Data}); err != nil {
				logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, msg wsMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(msg)
}
