package ingest

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/beacon-track/trackserver/internal/metrics"
)

// Listener accepts beacon TCP connections and runs a connHandler per
// connection. Shutdown is cooperative: cancelling the Run context stops
// the accept loop, closes live connections so idle reads unblock, and
// waits for handlers to drain their in-flight frames.
type Listener struct {
	addr       string
	dispatcher *Dispatcher
	queueDepth int
	logger     *zap.Logger

	mu        sync.Mutex
	ln        net.Listener
	conns     map[net.Conn]struct{}
	listening atomic.Bool
}

func NewListener(addr string, dispatcher *Dispatcher, queueDepth int, logger *zap.Logger) *Listener {
	return &Listener{
		addr:       addr,
		dispatcher: dispatcher,
		queueDepth: queueDepth,
		logger:     logger,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Run binds the socket and serves until ctx is cancelled. Bind failure is
// the only error it returns; everything after that is handled per
// connection.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	l.listening.Store(true)
	defer l.listening.Store(false)

	l.logger.Info("ingest listener started", zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		ln.Close()
		l.mu.Lock()
		for c := range l.conns {
			c.Close()
		}
		l.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			l.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		l.track(conn)
		metrics.IngestConnections.Inc()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer metrics.IngestConnections.Dec()
			defer l.untrack(conn)
			defer conn.Close()
			newConnHandler(conn, l.dispatcher, l.queueDepth, l.logger).run(ctx)
		}()
	}

	wg.Wait()
	l.logger.Info("ingest listener stopped")
	return nil
}

func (l *Listener) track(c net.Conn) {
	l.mu.Lock()
	l.conns[c] = struct{}{}
	l.mu.Unlock()
}

func (l *Listener) untrack(c net.Conn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

// Addr reports the bound address, nil before Run binds.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// IsListening reports whether the accept loop is up; used by readiness.
func (l *Listener) IsListening() bool {
	return l.listening.Load()
}
