// Package server accepts relay clients over TCP and WebSocket and runs one
// Handler per connection.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"roomrelay"
	"roomrelay/metrics"
)

const maxAcceptDelay = time.Second

type Options struct {
	// BufferSize is the largest message a single read returns.
	BufferSize    int
	NullTerminate bool
	WriteTimeout  time.Duration

	Rooms      roomrelay.RoomRange
	StrictJoin bool

	// MessagesPerSecond > 0 enables a per-connection limit on chat payloads.
	MessagesPerSecond float64
	Burst             int

	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		BufferSize:    4096,
		NullTerminate: true,
		WriteTimeout:  10 * time.Second,
		Rooms:         roomrelay.DefaultRoomRange,
		Burst:         5,
	}
}

type Server struct {
	registry *roomrelay.Registry
	dispatch roomrelay.Dispatcher
	logger   *zap.Logger
	metrics  *metrics.Metrics
	opts     Options

	upgrader websocket.Upgrader
	serving  atomic.Bool
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(registry *roomrelay.Registry, dispatch roomrelay.Dispatcher, logger *zap.Logger, m *metrics.Metrics, opts Options) *Server {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		registry: registry,
		dispatch: dispatch,
		logger:   logger,
		metrics:  m,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  opts.BufferSize,
		WriteBufferSize: opts.BufferSize,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithStack(err)
	}
	return s.Serve(ctx, lis)
}

// Serve accepts connections on lis until ctx is cancelled or Shutdown is
// called, in which case it returns nil. Timeout errors from Accept are
// retried with backoff; any other accept error is returned.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	stopClose := context.AfterFunc(ctx, func() { _ = lis.Close() })
	defer stopClose()

	s.serving.Store(true)
	defer s.serving.Store(false)

	s.logger.Info("listening", zap.String("addr", lis.Addr().String()))

	var delay time.Duration
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay *= 2
				}
				if delay > maxAcceptDelay {
					delay = maxAcceptDelay
				}
				s.logger.Warn("accept failed; retrying", zap.Duration("delay", delay), zap.Error(err))
				time.Sleep(delay)
				continue
			}
			return errors.WithStack(err)
		}
		delay = 0
		if ctx.Err() != nil {
			_ = conn.Close()
			return nil
		}

		s.logger.Debug("accepted", zap.String("remote", conn.RemoteAddr().String()))
		t := newTCPTransport(conn, s.opts.BufferSize, s.opts.NullTerminate, s.opts.WriteTimeout)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(t)
		}()
	}
}

// handle runs a handler and closes its transport early on shutdown.
func (s *Server) handle(t Transport) {
	stop := context.AfterFunc(s.ctx, func() { _ = t.Close() })
	defer stop()
	s.newHandler(t).Serve()
}

// Serving reports whether the TCP listener is accepting connections.
func (s *Server) Serving() bool {
	return s.serving.Load()
}

// Shutdown stops accepting, closes every live connection and waits for the
// handlers to return or the timeout to expire.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Info("shutting down relay server")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		s.logger.Warn("shutdown timeout reached; some handlers are still running")
		return context.DeadlineExceeded
	}
}
