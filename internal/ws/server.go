package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/beacon-track/trackserver/internal/hub"
)

// invalid handshake token, mirrored from the reference protocol
const statusInvalidToken = websocket.StatusCode(4001)

// Server is the subscriber-facing WebSocket endpoint. Each accepted
// connection becomes one hub sink; control messages drive subscribe state
// and the read loop ending detaches the sink.
type Server struct {
	srv          *http.Server
	hub          *hub.Hub
	tokenSecret  string
	writeTimeout time.Duration
	logger       *zap.Logger
	listening    atomic.Bool
}

func NewServer(addr string, h *hub.Hub, tokenSecret string, writeTimeout time.Duration, logger *zap.Logger) *Server {
	s := &Server{
		hub:          h,
		tokenSecret:  tokenSecret,
		writeTimeout: writeTimeout,
		logger:       logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.listening.Store(true)
	s.logger.Info("subscriber server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("subscriber server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.listening.Store(false)
	return s.srv.Shutdown(ctx)
}

// IsListening reports whether the server is accepting subscribers.
func (s *Server) IsListening() bool {
	return s.listening.Load()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Browsers on other origins are legitimate subscribers; auth is
		// the token check below, not the Origin header.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	if s.tokenSecret != "" {
		if err := s.verifyToken(r.URL.Query().Get("token")); err != nil {
			s.logger.Warn("subscriber rejected: invalid token", zap.Error(err))
			conn.Close(statusInvalidToken, "invalid token")
			return
		}
	}

	sink := newSink(conn, s.writeTimeout)
	logger := s.logger.With(zap.String("sink_id", sink.id))
	logger.Info("subscriber connected", zap.String("peer", r.RemoteAddr))

	s.hub.Attach(sink)
	defer func() {
		s.hub.Detach(sink)
		conn.Close(websocket.StatusNormalClosure, "")
		logger.Info("subscriber disconnected")
	}()

	s.readLoop(r.Context(), conn, sink, logger)
}

func (s *Server) verifyToken(tokenString string) error {
	if tokenString == "" {
		return errors.New("ws: missing token")
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("ws: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.tokenSecret), nil
	})
	if err != nil {
		return fmt.Errorf("ws: token parse: %w", err)
	}
	if !token.Valid {
		return errors.New("ws: token invalid")
	}
	return nil
}

// readLoop decodes control messages until the subscriber goes away.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sink *sink, logger *zap.Logger) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				logger.Debug("subscriber read ended", zap.Error(err))
			}
			return
		}

		var msg hub.ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("undecodable control message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case "subscribe":
			s.hub.Subscribe(sink, msg.DeviceIDs)
			s.ack(sink, "subscribed", msg.DeviceIDs, logger)
		case "unsubscribe":
			s.hub.Unsubscribe(sink, msg.DeviceIDs)
			s.ack(sink, "unsubscribed", msg.DeviceIDs, logger)
		case "ping":
			if err := sink.Send(hub.EncodePong()); err != nil {
				logger.Debug("pong send failed", zap.Error(err))
				return
			}
		default:
			logger.Warn("unknown control message type", zap.String("type", msg.Type))
		}
	}
}

func (s *Server) ack(sink *sink, kind string, deviceIDs []int64, logger *zap.Logger) {
	payload, err := hub.EncodeControlAck(kind, deviceIDs)
	if err != nil {
		logger.Error("encoding control ack", zap.Error(err))
		return
	}
	if err := sink.Send(payload); err != nil {
		logger.Debug("control ack send failed", zap.Error(err))
	}
}
