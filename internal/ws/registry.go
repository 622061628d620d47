package ws

import (
	"log/slog"
	"sync"
)

// Registry tracks the live agent channels.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger.With("component", "agent_registry"),
		conns:  make(map[string]*Conn),
	}
}

// Register adds conn and returns its id.
func (r *Registry) Register(conn *Conn) string {
	r.mu.Lock()
	r.conns[conn.ID()] = conn
	count := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("agent connected", "conn_id", conn.ID(), "remote_addr", conn.RemoteAddr(), "connections", count)
	return conn.ID()
}

// Deregister removes and closes the connection. Unknown ids are ignored;
// it reports whether anything was removed.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	conn, ok := r.conns[id]
	delete(r.conns, id)
	count := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return false
	}
	conn.Close()
	r.logger.Info("agent disconnected", "conn_id", id, "connections", count)
	return true
}

// Broadcast queues f on every registered connection. Each codec is encoded
// at most once. It returns how many connections accepted the frame and the
// ids of those that did not; the caller decides whether to evict them.
func (r *Registry) Broadcast(f Frame) (int, []string) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	encoded := make(map[Codec][]byte, 2)
	sent := 0
	var failed []string
	for _, c := range conns {
		codec := c.Codec()
		data, ok := encoded[codec]
		if !ok {
			var err error
			data, err = EncodeFrame(codec, f)
			if err != nil {
				r.logger.Error("failed to encode frame", "type", f.FrameType(), "codec", codec, "error", err)
				return 0, nil
			}
			encoded[codec] = data
		}

		if err := c.Send(codec.MessageType(), data); err != nil {
			r.logger.Warn("agent send failed", "conn_id", c.ID(), "error", err)
			failed = append(failed, c.ID())
			continue
		}
		sent++
	}
	return sent, failed
}

// IsEmpty reports whether no agents are connected.
func (r *Registry) IsEmpty() bool {
	return r.Count() == 0
}

// Count returns the number of connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close closes every connection and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
