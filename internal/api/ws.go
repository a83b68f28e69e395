package api

import (
	"context"
	"sync"

	"github.com/gofiber/contrib/websocket"

	"github.com/iksnae/chat-harvest/internal/recording"
)

// wsFrame is one server-to-client message on the streaming socket:
// the outcome of an inbound envelope, or an accepted event broadcast.
type wsFrame struct {
	Kind   string           `json:"kind"` // "result" or "event"
	Status int              `json:"status,omitempty"`
	Result *eventResult     `json:"result,omitempty"`
	Error  *apiError        `json:"error,omitempty"`
	Event  *recording.Event `json:"event,omitempty"`
}

// handleWS serves the bidirectional streaming channel. Inbound text
// frames carry the same event envelope as POST /recording/events and go
// through the same validation and dispatch; every accepted event, from
// any producer, streams back out on the socket as it happens.
func (s *Server) handleWS(conn *websocket.Conn) {
	producer := conn.RemoteAddr().String()
	log := s.log.With().Str("remote", producer).Logger()

	// The broadcast goroutine and the read loop both write to the
	// connection; websocket connections allow one writer at a time.
	var writeMu sync.Mutex
	write := func(frame wsFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(frame)
	}

	events, cancel := s.service.Subscribe()
	defer cancel()
	go func() {
		for ev := range events {
			ev := ev
			if err := write(wsFrame{Kind: "event", Event: &ev}); err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("stream closed")
			return
		}
		status, result, apiErr := s.processEnvelope(context.Background(), producer, data)
		if err := write(wsFrame{Kind: "result", Status: status, Result: result, Error: apiErr}); err != nil {
			return
		}
	}
}
