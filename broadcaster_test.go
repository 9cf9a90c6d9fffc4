package roomrelay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"roomrelay/metrics"
)

type fakePeer struct {
	id  ConnID
	err error

	mu       sync.Mutex
	received [][]byte
	panics   bool
}

func newFakePeer() *fakePeer {
	return &fakePeer{id: NewConnID()}
}

func (p *fakePeer) ID() ConnID { return p.id }

func (p *fakePeer) Send(text []byte) error {
	if p.panics {
		panic("boom")
	}
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, append([]byte(nil), text...))
	return nil
}

func (p *fakePeer) Close() error { return nil }

func (p *fakePeer) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := make([]string, len(p.received))
	for i, b := range p.received {
		s[i] = string(b)
	}
	return s
}

type fakeForwarder struct {
	mu  sync.Mutex
	ms  []PendingMessage
	err error
}

func (f *fakeForwarder) Forward(_ context.Context, m PendingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ms = append(f.ms, m)
	return f.err
}

func TestBroadcaster_DeliverSameRoomOnly(t *testing.T) {
	r := NewRegistry()
	x, y, z := newFakePeer(), newFakePeer(), newFakePeer()
	r.Register(x, 1)
	r.Register(y, 1)
	r.Register(z, 2)

	b := NewBroadcaster(NewQueue(), r, zap.NewNop())
	b.Deliver(PendingMessage{Text: []byte("hello"), Sender: x.ID(), Room: 1})

	assert.Equal(t, []string{"hello"}, y.messages())
	assert.Empty(t, x.messages())
	assert.Empty(t, z.messages())
	assert.Equal(t, uint64(1), b.Stats().Delivered)
}

func TestBroadcaster_IsolatesFailingPeers(t *testing.T) {
	r := NewRegistry()
	m := metrics.New()
	sender := newFakePeer()
	broken := newFakePeer()
	broken.err = errors.New("broken pipe")
	panicky := newFakePeer()
	panicky.panics = true
	ok := newFakePeer()

	r.Register(sender, 1)
	r.Register(broken, 1)
	r.Register(panicky, 1)
	r.Register(ok, 1)

	b := NewBroadcaster(NewQueue(), r, zap.NewNop(), WithMetrics(m))
	b.Deliver(PendingMessage{Text: []byte("still here"), Sender: sender.ID(), Room: 1})

	assert.Equal(t, []string{"still here"}, ok.messages())
	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, uint64(2), stats.Failed)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.DeliveryFailures))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Delivered))
}

func TestBroadcaster_RunPreservesQueueOrder(t *testing.T) {
	r := NewRegistry()
	q := NewQueue()
	a, b, rcv := newFakePeer(), newFakePeer(), newFakePeer()
	r.Register(a, 1)
	r.Register(b, 1)
	r.Register(rcv, 1)

	bc := NewBroadcaster(q, r, zap.NewNop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		bc.Run()
	}()

	q.Push(PendingMessage{Text: []byte("m1"), Sender: a.ID(), Room: 1})
	q.Push(PendingMessage{Text: []byte("m2"), Sender: b.ID(), Room: 1})
	q.Push(PendingMessage{Text: []byte("m3"), Sender: a.ID(), Room: 1})

	require.Eventually(t, func() bool {
		return len(rcv.messages()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2", "m3"}, rcv.messages())
	assert.Equal(t, []string{"m2"}, a.messages())
	assert.Equal(t, []string{"m1", "m3"}, b.messages())

	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after the queue was closed")
	}
}

func TestBroadcaster_Forward(t *testing.T) {
	r := NewRegistry()
	f := &fakeForwarder{}
	b := NewBroadcaster(NewQueue(), r, zap.NewNop(), WithForwarder(f, time.Second))

	b.Dispatch(PendingMessage{Text: []byte("local"), Room: 2})
	b.Dispatch(PendingMessage{Text: []byte("remote"), Room: 2, Remote: true})

	require.Len(t, f.ms, 1)
	assert.Equal(t, []byte("local"), f.ms[0].Text)
	assert.Equal(t, uint64(1), b.Stats().Forwarded)

	f.err = errors.New("bus down")
	b.Dispatch(PendingMessage{Text: []byte("lost"), Room: 2})
	assert.Equal(t, uint64(1), b.Stats().Forwarded)
}
