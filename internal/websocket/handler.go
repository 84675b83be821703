package websocket

import (
	"net/http"
)

// FrameJobEvent tags frames carrying a lifecycle event.
const FrameJobEvent = "job_event"

// Frame is the envelope every message to a client uses.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func HandleWebSocket(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Error().Err(err).Msg("WebSocket upgrade error")
		return
	}

	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// Handler adapts HandleWebSocket for a router.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		HandleWebSocket(h, w, r)
	}
}
