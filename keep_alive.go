package mqtt311

import (
	"sync"
	"time"
)

// keepAliveGraceFactor is the multiplier applied to the negotiated
// keep-alive interval before a client is considered dead. The protocol
// allows one and a half keep-alive periods of silence.
const keepAliveGraceFactor = 1.5

// KeepAliveManager tracks client activity and detects clients that have
// gone silent past their keep-alive deadline.
type KeepAliveManager struct {
	mu      sync.RWMutex
	clients map[string]*keepAliveEntry
}

type keepAliveEntry struct {
	interval     time.Duration
	lastActivity time.Time
}

// NewKeepAliveManager creates a new keep-alive manager.
func NewKeepAliveManager() *KeepAliveManager {
	return &KeepAliveManager{
		clients: make(map[string]*keepAliveEntry),
	}
}

// Register starts tracking a client. A keepAlive of 0 disables the
// timeout for that client.
func (m *KeepAliveManager) Register(clientID string, keepAlive uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clients[clientID] = &keepAliveEntry{
		interval:     time.Duration(keepAlive) * time.Second,
		lastActivity: time.Now(),
	}
}

// Unregister stops tracking a client.
func (m *KeepAliveManager) Unregister(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, clientID)
}

// UpdateActivity records activity for a client. Any control packet from
// the client counts, not just PINGREQ.
func (m *KeepAliveManager) UpdateActivity(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.clients[clientID]; ok {
		entry.lastActivity = time.Now()
	}
}

// GetExpiredClients returns the IDs of all clients whose silence has
// exceeded 1.5 times their keep-alive interval.
func (m *KeepAliveManager) GetExpiredClients() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var expired []string

	for clientID, entry := range m.clients {
		if entry.interval == 0 {
			continue
		}

		deadline := time.Duration(float64(entry.interval) * keepAliveGraceFactor)
		if now.Sub(entry.lastActivity) > deadline {
			expired = append(expired, clientID)
		}
	}

	return expired
}

// Count returns the number of tracked clients.
func (m *KeepAliveManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}
