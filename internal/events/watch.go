package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Watcher follows a controller's event stream and reconnects with backoff.
type Watcher struct {
	baseURL string
	logger  *slog.Logger
}

func NewWatcher(baseURL string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{baseURL: strings.TrimSuffix(baseURL, "/"), logger: logger}
}

// Run calls onEvent for every event until ctx ends.
func (w *Watcher) Run(ctx context.Context, onEvent func(Event)) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := w.runSession(ctx, onEvent)
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("event watcher disconnected", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 20*time.Second {
			backoff *= 2
		}
	}
}

func (w *Watcher) runSession(ctx context.Context, onEvent func(Event)) error {
	wsURL, err := toWebsocketURL(w.baseURL + "/api/events")
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})
	for {
		if err := conn.SetReadDeadline(time.Now().Add(120 * time.Second)); err != nil {
			return err
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			w.logger.Debug("skipping malformed event", "err", err)
			continue
		}
		onEvent(ev)
	}
}

func toWebsocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}
