package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const eventWriteTimeout = 5 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     loopbackOrigin,
}

// handleEvents streams session notifications as JSON text frames until the
// client goes away.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debugf("events: upgrade: %v", err)
			return
		}
		defer conn.Close()

		notes := deps.Session.Subscribe()
		defer deps.Session.Unsubscribe(notes)

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-gone:
				return
			case note, ok := <-notes:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
						time.Now().Add(eventWriteTimeout))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
				if err := conn.WriteJSON(note); err != nil {
					return
				}
			}
		}
	}
}
