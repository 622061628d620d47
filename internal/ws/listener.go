package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aware-engine/backend/internal/journal"
	"github.com/aware-engine/backend/internal/model"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPingInterval   = 20 * time.Second
	defaultPongTimeout    = 10 * time.Second
	defaultMaxMessageSize = 16 << 20
)

// ReplyRecorder receives source replies decoded from agent channels.
type ReplyRecorder interface {
	RecordReply(sessionID string, filePath, content *string) (bool, error)
}

// ListenerConfig tunes the agent channel transport. Zero values take the
// defaults.
type ListenerConfig struct {
	// Time allowed to write a frame to the peer.
	WriteWait time.Duration
	// Interval between server pings.
	PingInterval time.Duration
	// How long past a ping the peer has to answer before the channel is dropped.
	PongTimeout time.Duration
	// Maximum inbound message size.
	MaxMessageSize int64
	// Browser origins allowed to connect. Empty or "*" allows any.
	AllowedOrigins []string
	// Optional per-connection traffic journal.
	Journal *journal.Dir
}

func (c ListenerConfig) withDefaults() ListenerConfig {
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = defaultPongTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	return c
}

// Listener accepts agent channels, registers them and runs their read and
// write loops.
type Listener struct {
	registry *Registry
	replies  ReplyRecorder
	logger   *slog.Logger
	cfg      ListenerConfig
	upgrader websocket.Upgrader
}

// NewListener creates a Listener.
func NewListener(registry *Registry, replies ReplyRecorder, logger *slog.Logger, cfg ListenerConfig) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Listener{
		registry: registry,
		replies:  replies,
		logger:   logger.With("component", "agent_listener"),
		cfg:      cfg,
		upgrader: makeUpgrader(cfg.AllowedOrigins),
	}
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // editor agents send no Origin
			}
			return originSet[origin]
		},
	}
}

// ServeHTTP upgrades the request to an agent channel. Agents may ask for
// CBOR frames with ?codec=cbor; sending a binary frame switches too.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		l.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	codec := CodecJSON
	if r.URL.Query().Get("codec") == CodecCBOR.String() {
		codec = CodecCBOR
	}
	conn := NewConn(wsConn, codec)
	l.registry.Register(conn)

	var rec *journal.Recorder
	if l.cfg.Journal != nil {
		rec, err = l.cfg.Journal.Open(conn.ID(), conn.RemoteAddr())
		if err != nil {
			l.logger.Warn("failed to open journal", "conn_id", conn.ID(), "error", err)
			rec = nil
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.writePump(conn, rec)
	}()
	go func() {
		defer wg.Done()
		l.readPump(conn, rec)
	}()
	if rec != nil {
		go func() {
			wg.Wait()
			rec.Close()
		}()
	}
}

// readPump decodes inbound frames until the channel closes, then
// deregisters the connection.
func (l *Listener) readPump(conn *Conn, rec *journal.Recorder) {
	ws := conn.conn
	defer func() {
		l.registry.Deregister(conn.ID())
		ws.Close()
	}()

	readWait := l.cfg.PingInterval + l.cfg.PongTimeout
	ws.SetReadLimit(l.cfg.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.Info("agent channel closed", "conn_id", conn.ID(), "reason", err.Error())
			} else {
				l.logger.Debug("agent channel closed", "conn_id", conn.ID())
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(readWait))

		if rec != nil {
			if err := rec.WriteFrame(journal.Inbound, messageType == websocket.BinaryMessage, data); err != nil {
				l.logger.Debug("journal write failed", "conn_id", conn.ID(), "error", err)
			}
		}
		if messageType == websocket.BinaryMessage {
			conn.SetCodec(CodecCBOR)
		}

		frame, err := DecodeFrame(messageType, data)
		if err != nil {
			l.logger.Warn("dropping malformed frame", "conn_id", conn.ID(), "error", err)
			continue
		}
		l.handleFrame(conn, frame)
	}
}

func (l *Listener) handleFrame(conn *Conn, frame Frame) {
	switch f := frame.(type) {
	case *SourceResponse:
		accepted, err := l.replies.RecordReply(f.SessionID, f.FilePath, f.Content)
		switch {
		case errors.Is(err, model.ErrSessionNotFound):
			l.logger.Warn("source reply for unknown session", "conn_id", conn.ID(), "session_id", f.SessionID)
		case err != nil:
			l.logger.Error("failed to record source reply", "conn_id", conn.ID(), "session_id", f.SessionID, "error", err)
		case !accepted:
			l.logger.Debug("source reply ignored", "conn_id", conn.ID(), "session_id", f.SessionID)
		}
	case *Ping:
		if err := conn.SendFrame(&Pong{Type: FrameTypePong}); err != nil {
			l.logger.Debug("failed to queue pong", "conn_id", conn.ID(), "error", err)
		}
	case *UnknownFrame:
		l.logger.Warn("dropping unknown frame", "conn_id", conn.ID(), "type", f.Tag)
	default:
		l.logger.Debug("ignoring frame", "conn_id", conn.ID(), "type", frame.FrameType())
	}
}

// writePump drains the connection's send buffer onto the socket and sends
// periodic pings.
func (l *Listener) writePump(conn *Conn, rec *journal.Recorder) {
	ws := conn.conn
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg, ok := <-conn.send:
			ws.SetWriteDeadline(time.Now().Add(l.cfg.WriteWait))
			if !ok {
				// The registry closed the channel.
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(msg.messageType, msg.data); err != nil {
				l.logger.Debug("agent write failed", "conn_id", conn.ID(), "error", err)
				l.registry.Deregister(conn.ID())
				return
			}
			if rec != nil {
				if err := rec.WriteFrame(journal.Outbound, msg.messageType == websocket.BinaryMessage, msg.data); err != nil {
					l.logger.Debug("journal write failed", "conn_id", conn.ID(), "error", err)
				}
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(l.cfg.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.registry.Deregister(conn.ID())
				return
			}
		}
	}
}
