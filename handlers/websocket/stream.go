package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	gws "github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"scenesync/realtime"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = gws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Subscriber opens change subscriptions for a session.
type Subscriber interface {
	Subscribe(ctx context.Context, id string) (*realtime.Subscription, error)
}

// HandleStream upgrades to a websocket and writes every change of the session
// row as a JSON frame. Frames sent by the client are ignored.
func HandleStream(svc Subscriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			http.Error(w, "Session id is required", http.StatusBadRequest)
			return
		}
		log := logrus.WithField("session_id", id)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithField("error", err).Warn("Failed to upgrade realtime stream")
			return
		}
		defer conn.Close()

		sub, err := svc.Subscribe(r.Context(), id)
		if err != nil {
			log.WithField("error", err).Error("Failed to subscribe realtime stream")
			closeWith(conn, gws.CloseInternalServerErr, "subscribe failed")
			return
		}
		defer sub.Close()
		log.Debug("Realtime stream opened")

		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-gone:
				log.Debug("Realtime stream closed by client")
				return
			case change, ok := <-sub.Changes():
				if !ok {
					closeWith(conn, gws.CloseNormalClosure, "")
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(change); err != nil {
					log.WithField("error", err).Warn("Failed to write row change")
					return
				}
			case err := <-sub.Errors():
				log.WithField("error", err).Warn("Realtime subscription failed")
				closeWith(conn, gws.CloseInternalServerErr, "subscription failed")
				return
			case <-ticker.C:
				if err := conn.WriteControl(gws.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
					log.WithField("error", err).Debug("Failed to send ping")
					return
				}
			}
		}
	}
}

func closeWith(conn *gws.Conn, code int, text string) {
	_ = conn.WriteControl(gws.CloseMessage, gws.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}
