package mqtt311

import (
	"sync"
)

// WillManager stores will messages for connected clients and releases
// them when a connection ends without a DISCONNECT packet.
type WillManager struct {
	mu    sync.Mutex
	wills map[string]*WillMessage
}

// NewWillManager creates a new will manager.
func NewWillManager() *WillManager {
	return &WillManager{
		wills: make(map[string]*WillMessage),
	}
}

// Register stores the will for a client. A nil will clears any stored
// entry.
func (m *WillManager) Register(clientID string, will *WillMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if will == nil {
		delete(m.wills, clientID)
		return
	}
	m.wills[clientID] = will
}

// Discard removes the will for a client without triggering it.
// Called when the client sends DISCONNECT.
func (m *WillManager) Discard(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.wills, clientID)
}

// Take removes and returns the will for a client.
// Called on ungraceful disconnect; returns nil if no will is stored.
func (m *WillManager) Take(clientID string) *WillMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	will, ok := m.wills[clientID]
	if !ok {
		return nil
	}
	delete(m.wills, clientID)
	return will
}

// Count returns the number of stored wills.
func (m *WillManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.wills)
}
