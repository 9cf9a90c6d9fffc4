package server

import (
	"io"
	"net"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"roomrelay"
	"roomrelay/metrics"
)

type State int32

const (
	StateAwaitingRoom State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingRoom:
		return "awaiting_room"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Handler runs the receive loop of a single connection.
type Handler struct {
	peer       *peer
	registry   *roomrelay.Registry
	dispatch   roomrelay.Dispatcher
	rooms      roomrelay.RoomRange
	strictJoin bool
	limiter    *rate.Limiter
	logger     *zap.Logger
	metrics    *metrics.Metrics

	state      atomic.Int32
	room       atomic.Int64
	registered bool
}

func (s *Server) newHandler(t Transport) *Handler {
	p := newPeer(t)
	h := &Handler{
		peer:       p,
		registry:   s.registry,
		dispatch:   s.dispatch,
		rooms:      s.opts.Rooms,
		strictJoin: s.opts.StrictJoin,
		logger: s.logger.With(
			zap.String("conn", p.ID().String()),
			zap.String("remote", t.RemoteAddr()),
		),
		metrics: s.metrics,
	}
	if s.opts.MessagesPerSecond > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
	}
	h.room.Store(int64(roomrelay.Unassigned))
	return h
}

func (h *Handler) ID() roomrelay.ConnID {
	return h.peer.ID()
}

func (h *Handler) State() State {
	return State(h.state.Load())
}

func (h *Handler) Room() roomrelay.RoomID {
	return roomrelay.RoomID(h.room.Load())
}

// Serve blocks until the connection is closed.
func (h *Handler) Serve() {
	defer h.close()

	if !h.awaitRoom() {
		return
	}
	h.receive()
}

func (h *Handler) awaitRoom() bool {
	p, err := h.peer.t.ReadMessage()
	if err != nil {
		h.logReadError("closed before join", err)
		return false
	}

	room, err := ParseRoom(p)
	if err != nil {
		h.metrics.ProtocolError("join")
		h.logger.Warn("malformed join", zap.Error(err))
		return false
	}
	if h.strictJoin && !h.rooms.Contains(room) {
		h.metrics.ProtocolError("join_range")
		h.logger.Warn("join out of range", zap.Int("room", room.Int()))
		return false
	}

	h.registry.Register(h.peer, room)
	h.registered = true
	h.room.Store(int64(room))
	h.state.Store(int32(StateActive))
	h.metrics.ConnectionOpened()
	h.logger.Info("joined", zap.Int("room", room.Int()))
	return true
}

func (h *Handler) receive() {
	for {
		p, err := h.peer.t.ReadMessage()
		if err != nil {
			h.logReadError("disconnected", err)
			return
		}

		if room, ok, err := ParseRejoin(p); ok {
			h.rejoin(room, err)
			continue
		}

		if h.limiter != nil && !h.limiter.Allow() {
			h.metrics.MessageThrottled()
			h.logger.Debug("rate limit exceeded; discarding message")
			continue
		}

		h.metrics.MessageReceived()
		h.dispatch.Dispatch(roomrelay.PendingMessage{
			Text:   p,
			Sender: h.peer.ID(),
			Room:   h.Room(),
		})
	}
}

// rejoin switches rooms. Invalid targets are ignored without telling the
// client.
func (h *Handler) rejoin(room roomrelay.RoomID, err error) {
	if err != nil {
		h.metrics.ProtocolError("rejoin")
		h.logger.Debug("ignoring malformed rejoin", zap.Error(err))
		return
	}
	if !h.rooms.Contains(room) {
		h.metrics.ProtocolError("rejoin_range")
		h.logger.Debug("ignoring rejoin out of range", zap.Int("room", room.Int()))
		return
	}

	from := h.Room()
	h.registry.Reassign(h.peer.ID(), room)
	h.room.Store(int64(room))
	h.metrics.RoomSwitched()
	h.logger.Info("rejoined", zap.Int("from", from.Int()), zap.Int("room", room.Int()))
}

func (h *Handler) close() {
	h.state.Store(int32(StateClosed))

	if h.registered {
		h.registry.Remove(h.peer.ID())
		h.metrics.ConnectionClosed()
	}
	if err := h.peer.Close(); err != nil && !isExpectedCloseError(err) {
		h.logger.Warn("close failed", zap.Error(err))
	}
	h.logger.Info("closed", zap.Int("room", h.Room().Int()))
}

func (h *Handler) logReadError(msg string, err error) {
	if isExpectedCloseError(err) {
		h.logger.Info(msg, zap.Int("room", h.Room().Int()))
		return
	}
	h.logger.Warn(msg, zap.Int("room", h.Room().Int()), zap.Error(err))
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
