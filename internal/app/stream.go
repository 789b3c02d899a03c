package app

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamBuffer     = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream pushes the current front, then every front change and sync
// event, until the client goes away. Slow clients miss messages rather than
// holding up the state machine.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request, session *SystemSession) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()

	messages := make(chan StreamMessage, streamBuffer)
	stop := session.Watch(func(msg StreamMessage) {
		select {
		case messages <- msg:
		default:
		}
	})
	defer stop()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(streamPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	status := session.Machine.CurrentStatus()
	if err := s.writeStream(ws, StreamMessage{Type: MessageFront, Front: &status, At: time.Now().UTC()}); err != nil {
		return
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case msg := <-messages:
			if err := s.writeStream(ws, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) writeStream(ws *websocket.Conn, msg StreamMessage) error {
	_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := ws.WriteJSON(msg); err != nil {
		s.log.Debug().Err(err).Msg("websocket write failed")
		return err
	}
	return nil
}
