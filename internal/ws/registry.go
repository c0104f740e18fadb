package ws

import "sync"

// ConnectionRegistry tracks the active status stream connections so updates
// can be fanned out to all of them.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[*Connection]struct{}
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[*Connection]struct{})}
}

// Register adds the connection.
func (r *ConnectionRegistry) Register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
	gatewayConnections.Set(float64(len(r.conns)))
}

// Unregister removes the connection.
func (r *ConnectionRegistry) Unregister(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
	gatewayConnections.Set(float64(len(r.conns)))
}

// Len reports the number of live connections.
func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast delivers the payload to every registered connection and returns
// how many accepted it.
func (r *ConnectionRegistry) Broadcast(payload []byte) int {
	r.mu.RLock()
	recipients := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		recipients = append(recipients, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range recipients {
		if err := conn.Send(payload); err == nil {
			sent++
		}
	}
	return sent
}
