package web

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const eventWriteTimeout = 5 * time.Second

// events streams player events to a websocket client, one JSON message per event.
func (s *Server) events(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode:    websocket.CompressionContextTakeover,
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Debugf("events WebSocket accept error: %s", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	// the client never sends anything; this also notices when it goes away
	ctx := conn.CloseRead(r.Context())

	msgs, unsubscribe := s.bridge.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			if s.stopping() {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			s.log.Debug("events client went away")
			return
		case <-s.closed:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case msg, ok := <-msgs:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "player bridge shut down")
				return
			}
			err := writeEvent(ctx, conn, msg)
			if err != nil {
				s.log.Debugf("writing event: %s", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
