package roomrelay

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"roomrelay/metrics"
)

// Forwarder hands locally originated messages to other relay instances.
type Forwarder interface {
	Forward(ctx context.Context, m PendingMessage) error
}

type BroadcasterStats struct {
	Delivered uint64
	Failed    uint64
	Forwarded uint64
}

// Broadcaster fans messages out to the other members of the sender's room.
type Broadcaster struct {
	queue     *Queue
	registry  *Registry
	forwarder Forwarder
	logger    *zap.Logger
	metrics   *metrics.Metrics

	forwardTimeout time.Duration

	delivered atomic.Uint64
	failed    atomic.Uint64
	forwarded atomic.Uint64
}

type BroadcasterOption func(*Broadcaster)

func WithForwarder(f Forwarder, timeout time.Duration) BroadcasterOption {
	return func(b *Broadcaster) {
		b.forwarder = f
		b.forwardTimeout = timeout
	}
}

func WithMetrics(m *metrics.Metrics) BroadcasterOption {
	return func(b *Broadcaster) {
		b.metrics = m
	}
}

func NewBroadcaster(q *Queue, r *Registry, logger *zap.Logger, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		queue:          q,
		registry:       r,
		logger:         logger,
		forwardTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run drains the queue until it is closed.
func (b *Broadcaster) Run() {
	for {
		ms, ok := b.queue.DrainAll()
		if !ok {
			b.logger.Info("broadcaster stopped")
			return
		}
		b.metrics.SetQueueDepth(len(ms))
		for _, m := range ms {
			b.Deliver(m)
		}
	}
}

// Dispatch delivers m on the calling goroutine, bypassing the queue.
func (b *Broadcaster) Dispatch(m PendingMessage) {
	b.Deliver(m)
}

// Deliver sends m to every member of m.Room except its sender. A failing
// peer is logged and skipped.
func (b *Broadcaster) Deliver(m PendingMessage) {
	members := b.registry.Members(m.Room, m.Sender)

	b.logger.Debug("broadcast",
		zap.String("conn", m.Sender.String()),
		zap.Int("room", m.Room.Int()),
		zap.Int("targets", len(members)),
		zap.Bool("remote", m.Remote),
		zap.ByteString("text", m.Text),
	)

	for _, p := range members {
		if err := b.send(p, m.Text); err != nil {
			b.failed.Inc()
			b.metrics.DeliveryFailed()
			b.logger.Warn("send failed",
				zap.String("conn", p.ID().String()),
				zap.Int("room", m.Room.Int()),
				zap.Error(err),
			)
			continue
		}
		b.delivered.Inc()
		b.metrics.MessageDelivered()
	}

	if b.forwarder == nil || m.Remote {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.forwardTimeout)
	defer cancel()
	if err := b.forwarder.Forward(ctx, m); err != nil {
		b.logger.Warn("forward failed", zap.Int("room", m.Room.Int()), zap.Error(err))
		return
	}
	b.forwarded.Inc()
	b.metrics.MessageForwarded()
}

func (b *Broadcaster) send(p Peer, text []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in send: %v", r)
		}
	}()
	return p.Send(text)
}

func (b *Broadcaster) Stats() BroadcasterStats {
	return BroadcasterStats{
		Delivered: b.delivered.Load(),
		Failed:    b.failed.Load(),
		Forwarded: b.forwarded.Load(),
	}
}
