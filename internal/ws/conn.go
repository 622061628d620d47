package ws

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aware-engine/backend/internal/model"
)

// sendBufferSize is the number of outbound frames queued per agent before
// sends start failing.
const sendBufferSize = 256

type outbound struct {
	messageType int
	data        []byte
}

// Conn is one agent channel. Sends only enqueue onto a bounded buffer; a
// writer goroutine owns the socket.
type Conn struct {
	id         string
	conn       *websocket.Conn
	remoteAddr string
	send       chan outbound

	mu     sync.Mutex
	closed bool
	codec  Codec
}

// NewConn wraps a websocket connection. conn may be nil in tests.
func NewConn(conn *websocket.Conn, codec Codec) *Conn {
	c := &Conn{
		id:    uuid.New().String(),
		conn:  conn,
		send:  make(chan outbound, sendBufferSize),
		codec: codec,
	}
	if conn != nil {
		c.remoteAddr = conn.RemoteAddr().String()
	}
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address, or "" for a detached connection.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Codec returns the encoding currently used for outbound frames.
func (c *Conn) Codec() Codec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec
}

// SetCodec switches the outbound encoding. Agents that talk CBOR get CBOR
// back.
func (c *Conn) SetCodec(codec Codec) {
	c.mu.Lock()
	c.codec = codec
	c.mu.Unlock()
}

// Send queues raw bytes for the writer. It never blocks.
func (c *Conn) Send(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return model.ErrConnectionClosed
	}

	select {
	case c.send <- outbound{messageType: messageType, data: data}:
		return nil
	default:
		return model.ErrSendBufferFull
	}
}

// SendFrame encodes f with the connection's codec and queues it.
func (c *Conn) SendFrame(f Frame) error {
	codec := c.Codec()
	data, err := EncodeFrame(codec, f)
	if err != nil {
		return err
	}
	return c.Send(codec.MessageType(), data)
}

// Close stops accepting sends and lets the writer drain and exit. Safe to
// call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

