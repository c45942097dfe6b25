package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/verifgui/verifsched/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// eventMessage is the websocket frame for one scheduler event.
type eventMessage struct {
	Type string       `json:"type"`
	Task string       `json:"task,omitempty"`
	Data events.Event `json:"data"`
}

// streamEvents upgrades to a websocket and forwards every scheduler event as
// JSON until the client goes away. ?output=false drops tool output lines.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no event stream"})
		return
	}
	// Subscribe before the handshake completes so no event after it is lost.
	var sub <-chan events.Event
	if r.URL.Query().Get("output") == "false" {
		sub = s.bus.SubscribeTopics(0, events.TopicTask, events.TopicQueue, events.TopicPrompt)
	} else {
		sub = s.bus.SubscribeAll(0)
	}
	defer s.bus.Unsubscribe(sub)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// The read side only handles control frames and notices the close.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug().Err(err).Msg("event stream read error")
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-sub:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "scheduler stopped"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(eventMessage{Type: e.EventType(), Task: e.TaskName(), Data: e}); err != nil {
				s.logger.Debug().Err(err).Msg("event stream write failed")
				return
			}
		}
	}
}
