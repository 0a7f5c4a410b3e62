package ingest

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beacon-track/trackserver/internal/cinet"
)

// connHandler owns one beacon connection: a read loop that accumulates
// bytes and splits off 149-byte candidate frames, and a single dispatch
// worker that processes them. The single worker keeps persistence strictly
// in receive order per connection while the read loop keeps buffering;
// a full frame queue is the backpressure point.
type connHandler struct {
	id         string
	conn       net.Conn
	dispatcher *Dispatcher
	queueDepth int
	logger     *zap.Logger
}

func newConnHandler(conn net.Conn, dispatcher *Dispatcher, queueDepth int, logger *zap.Logger) *connHandler {
	id := uuid.NewString()
	return &connHandler{
		id:         id,
		conn:       conn,
		dispatcher: dispatcher,
		queueDepth: queueDepth,
		logger: logger.With(
			zap.String("conn_id", id),
			zap.String("peer", conn.RemoteAddr().String()),
		),
	}
}

// run blocks until the peer closes, the read fails, or ctx is cancelled.
// In-flight frames finish dispatching before it returns.
func (h *connHandler) run(ctx context.Context) {
	h.logger.Info("beacon connected")

	frames := make(chan []byte, h.queueDepth)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for frame := range frames {
			h.dispatcher.Dispatch(ctx, frame)
		}
	}()

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := h.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			// The stream is assumed aligned: frames are split at fixed
			// offsets, with no resync search after a bad frame.
			for len(buf) >= cinet.FrameLength {
				frame := make([]byte, cinet.FrameLength)
				copy(frame, buf[:cinet.FrameLength])
				buf = buf[cinet.FrameLength:]

				select {
				case frames <- frame:
				case <-ctx.Done():
					close(frames)
					<-workerDone
					h.logger.Info("beacon connection cancelled")
					return
				}
			}
		}
		if err != nil {
			close(frames)
			<-workerDone
			switch {
			case errors.Is(err, io.EOF):
				h.logger.Info("beacon disconnected")
			case errors.Is(err, net.ErrClosed):
				h.logger.Info("beacon connection closed by server")
			default:
				h.logger.Warn("beacon read error", zap.Error(err))
			}
			return
		}
	}
}
