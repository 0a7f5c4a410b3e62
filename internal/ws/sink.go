package ws

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// sink adapts one WebSocket connection to the hub's Sink interface. Send
// runs under a write deadline so a stalled subscriber fails fast and gets
// detached instead of blocking fan-out.
type sink struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func newSink(conn *websocket.Conn, writeTimeout time.Duration) *sink {
	return &sink{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

func (s *sink) Send(payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, payload)
}

func (s *sink) Close() {
	s.conn.Close(websocket.StatusNormalClosure, "")
}
