package app

import (
	"encoding/json"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/ports"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

const NotificationTopic = "notification"

type NotificationLevel string

const (
	LevelInfo    NotificationLevel = "info"
	LevelSuccess NotificationLevel = "success"
	LevelWarn    NotificationLevel = "warn"
	LevelError   NotificationLevel = "error"
)

// Actions liées à une notification (un clic côté UI).
const (
	ActionRetryResolve  = "retry_resolve"
	ActionRetryDispatch = "retry_dispatch"
	ActionOpenPage      = "open_page"
	ActionOpenMirror    = "open_mirror"
	ActionOpenExternal  = "open_external"
)

type NotificationAction struct {
	Kind    string `json:"kind"`
	VideoID string `json:"videoId,omitempty"`
	URL     string `json:"url,omitempty"`
}

type Notification struct {
	ID      string              `json:"id"`
	Level   NotificationLevel   `json:"level"`
	Code    string              `json:"code,omitempty"`
	VideoID string              `json:"videoId,omitempty"`
	Message string              `json:"message"`
	Action  *NotificationAction `json:"action,omitempty"`
	Time    time.Time           `json:"time"`
}

// Notifier publie les notifications transitoires sur le bus (relayées en SSE / WebSocket).
type Notifier struct {
	logger zerolog.Logger
	bus    ports.EventBus
}

func NewNotifier(logger zerolog.Logger, bus ports.EventBus) *Notifier {
	return &Notifier{logger: logger, bus: bus}
}

func (n *Notifier) Publish(note Notification) Notification {
	if note.ID == "" {
		note.ID = xid.New().String()
	}
	if note.Time.IsZero() {
		note.Time = time.Now().UTC()
	}
	if note.Level == "" {
		note.Level = LevelInfo
	}
	if n == nil || n.bus == nil {
		return note
	}
	b, err := json.Marshal(note)
	if err != nil {
		n.logger.Error().Err(err).Msg("marshal notification failed")
		return note
	}
	n.bus.Publish(NotificationTopic, b)
	return note
}

func (n *Notifier) Success(videoID, msg string) Notification {
	return n.Publish(Notification{Level: LevelSuccess, VideoID: videoID, Message: msg})
}

// Failure publie une erreur d'item avec son code et l'action associée.
func (n *Notifier) Failure(videoID string, err error, action *NotificationAction) Notification {
	level := LevelError
	switch CodeOf(err) {
	case CodeSuspiciousLink, CodeQualityMismatch, CodeNoSource, CodeExternalItem:
		level = LevelWarn
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return n.Publish(Notification{Level: level, Code: CodeOf(err), VideoID: videoID, Message: msg, Action: action})
}

func (n *Notifier) OpenPage(videoID, url, msg string) Notification {
	return n.Publish(Notification{
		Level:   LevelInfo,
		VideoID: videoID,
		Message: msg,
		Action:  &NotificationAction{Kind: ActionOpenPage, VideoID: videoID, URL: url},
	})
}
