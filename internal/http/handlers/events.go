package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventWriteWait  = 10 * time.Second
	eventPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Events streams fleet events as JSON text frames until the client leaves.
func (a *API) Events(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		writeError(w, http.StatusNotFound, "events_disabled", "Event stream not available")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch, cancel := a.hub.Subscribe(64)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				a.logger.Debug("event stream closed", "err", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		}
	}
}
