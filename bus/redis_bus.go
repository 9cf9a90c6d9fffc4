// Package bus relays room messages between relay instances over Redis
// pub/sub.
package bus

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"roomrelay"
)

// Envelope is the JSON payload published for every forwarded message.
type Envelope struct {
	Instance string `json:"instance"`
	Room     int    `json:"room"`
	Sender   string `json:"sender"`
	Text     []byte `json:"text"`
}

type Options struct {
	Addr   string
	DB     int
	Prefix string

	// The breaker opens after MaxFailures consecutive publish failures and
	// stays open for BreakerTimeout.
	MaxFailures    uint32
	BreakerTimeout time.Duration
}

type RedisBus struct {
	rdb      *redis.Client
	cb       *gobreaker.CircuitBreaker
	instance string
	prefix   string
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisBus connects to redis and verifies connectivity.
func NewRedisBus(ctx context.Context, opts Options, logger *zap.Logger) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: opts.Addr,
		DB:   opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "ping redis %s", opts.Addr)
	}

	instance := roomrelay.NewConnID().String()
	logger = logger.With(zap.String("instance", instance))

	maxFailures := opts.MaxFailures
	if maxFailures == 0 {
		maxFailures = 1
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-publish",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &RedisBus{
		rdb:      rdb,
		cb:       cb,
		instance: instance,
		prefix:   opts.Prefix,
		logger:   logger,
		cancel:   func() {},
	}, nil
}

// Instance identifies this relay in published envelopes.
func (b *RedisBus) Instance() string { return b.instance }

// Forward implements roomrelay.Forwarder.
func (b *RedisBus) Forward(ctx context.Context, m roomrelay.PendingMessage) error {
	raw, err := json.Marshal(Envelope{
		Instance: b.instance,
		Room:     m.Room.Int(),
		Sender:   m.Sender.String(),
		Text:     m.Text,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	_, err = b.cb.Execute(func() (interface{}, error) {
		return nil, b.rdb.Publish(ctx, b.channel(strconv.Itoa(m.Room.Int())), raw).Err()
	})
	return errors.WithStack(err)
}

// Start subscribes to every room channel and hands envelopes published by
// other instances to d as remote messages. It returns once the subscription
// is confirmed; delivery stops when ctx is done or Close is called.
func (b *RedisBus) Start(ctx context.Context, d roomrelay.Dispatcher) error {
	ctx, cancel := context.WithCancel(ctx)

	pubsub := b.rdb.PSubscribe(ctx, b.channel("*"))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return errors.Wrap(err, "subscribe")
	}
	b.cancel = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.receive(msg, d)
			}
		}
	}()
	return nil
}

func (b *RedisBus) receive(msg *redis.Message, d roomrelay.Dispatcher) {
	var env Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Warn("malformed envelope", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if env.Instance == b.instance {
		return
	}
	if !strings.HasSuffix(msg.Channel, ":"+strconv.Itoa(env.Room)) {
		b.logger.Warn("envelope room does not match channel", zap.String("channel", msg.Channel), zap.Int("room", env.Room))
		return
	}

	d.Dispatch(roomrelay.PendingMessage{
		Text:   env.Text,
		Sender: roomrelay.ConnID(env.Sender),
		Room:   roomrelay.RoomID(env.Room),
		Remote: true,
	})
}

// Close stops the subscription and shuts down the redis connection.
func (b *RedisBus) Close() error {
	b.cancel()
	b.wg.Wait()
	return errors.WithStack(b.rdb.Close())
}

func (b *RedisBus) channel(room string) string {
	return b.prefix + ":room:" + room
}
