package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"geocam/internal/gps"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPingPeriod = 20 * time.Second
	wsBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The UI is served from the same box; any origin on the LAN may watch fixes.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type fixEvent struct {
	Type     string        `json:"type"`
	Position *gps.Position `json:"position,omitempty"`
	Error    string        `json:"error,omitempty"`
	Dropped  uint64        `json:"dropped,omitempty"`
}

// fixesSocket streams every published position as a JSON text message.
// The terminal stream error, if any, is sent as a final "error" event.
func fixesSocket(ctl Controller, logger logrus.FieldLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		sub, ok := ctl.Subscribe(wsBuffer)
		if !ok {
			http.Error(w, "gps not running", http.StatusServiceUnavailable)
			return
		}
		defer sub.Close()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WithError(err).Debug("websocket upgrade failed")
			return
		}
		defer conn.Close()
		log := logger.WithField("remote", r.RemoteAddr)
		log.Info("fix stream client connected")

		// Reads only detect the peer going away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-gone:
				log.Info("fix stream client left")
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case p, ok := <-sub.C():
				if !ok {
					closeFixStream(conn, sub.Err())
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(fixEvent{Type: "data", Position: &p, Dropped: sub.Dropped()}); err != nil {
					log.WithError(err).Debug("fix stream write failed")
					return
				}
			}
		}
	})
}

func closeFixStream(conn *websocket.Conn, errc <-chan error) {
	code, text := websocket.CloseNormalClosure, "stream ended"
	if err, ok := <-errc; ok && err != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = conn.WriteJSON(fixEvent{Type: "error", Error: err.Error()})
		code, text = websocket.CloseInternalServerErr, "gps error"
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteWait))
}
