package server

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"roomrelay"
)

// Transport carries whole logical messages for one connection.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(p []byte) error
	Close() error
	RemoteAddr() string
}

// tcpTransport treats every Read as one message. There is no framing:
// a read returns at most len(buf) bytes.
type tcpTransport struct {
	conn          net.Conn
	buf           []byte
	nullTerminate bool
	writeTimeout  time.Duration
}

func newTCPTransport(conn net.Conn, bufferSize int, nullTerminate bool, writeTimeout time.Duration) *tcpTransport {
	return &tcpTransport{
		conn:          conn,
		buf:           make([]byte, bufferSize),
		nullTerminate: nullTerminate,
		writeTimeout:  writeTimeout,
	}
}

func (t *tcpTransport) ReadMessage() ([]byte, error) {
	n, err := t.conn.Read(t.buf)
	if n > 0 {
		return append([]byte(nil), t.buf[:n]...), nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

func (t *tcpTransport) WriteMessage(p []byte) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return errors.WithStack(err)
		}
	}
	frame := p
	if t.nullTerminate {
		frame = make([]byte, len(p)+1)
		copy(frame, p)
	}
	_, err := t.conn.Write(frame)
	return errors.WithStack(err)
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

func (t *tcpTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// wsTransport maps one WebSocket data message to one logical message.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func newWSTransport(conn *websocket.Conn, bufferSize int, writeTimeout time.Duration) *wsTransport {
	conn.SetReadLimit(int64(bufferSize))
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, p, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return nil, io.EOF
	}
	return p, nil
}

func (t *wsTransport) WriteMessage(p []byte) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(t.conn.WriteMessage(websocket.TextMessage, p))
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// peer is the registry's view of a connection. Writes are serialized so the
// broadcaster and synchronous dispatch never interleave on one transport.
type peer struct {
	id roomrelay.ConnID
	t  Transport

	mu sync.Mutex
}

func newPeer(t Transport) *peer {
	return &peer{id: roomrelay.NewConnID(), t: t}
}

func (p *peer) ID() roomrelay.ConnID {
	return p.id
}

func (p *peer) Send(text []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.t.WriteMessage(text)
}

func (p *peer) Close() error {
	return p.t.Close()
}
