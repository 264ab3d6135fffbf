package mqtt311

import (
	"sync"
	"time"
)

// maxQueuedMessages caps the offline queue per session. When the cap is
// reached the oldest message is dropped.
const maxQueuedMessages = 1000

// MemorySession is an in-memory Session implementation.
type MemorySession struct {
	mu sync.RWMutex

	id            string
	nextPacketID  uint16
	subscriptions map[string]byte
	inflight      map[uint16]InflightMessage
	queue         []QueuedMessage
	lastActivity  time.Time
}

// NewMemorySession creates a new in-memory session.
func NewMemorySession(clientID string) *MemorySession {
	return &MemorySession{
		id:            clientID,
		subscriptions: make(map[string]byte),
		inflight:      make(map[uint16]InflightMessage),
		lastActivity:  time.Now(),
	}
}

func (s *MemorySession) ID() string {
	return s.id
}

func (s *MemorySession) NextPacketID() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Packet ID 0 is not valid, wrap from 65535 back to 1.
	for i := 0; i < 65535; i++ {
		s.nextPacketID++
		if s.nextPacketID == 0 {
			s.nextPacketID = 1
		}

		if _, inUse := s.inflight[s.nextPacketID]; !inUse {
			return s.nextPacketID, nil
		}
	}

	return 0, ErrNoFreePacketID
}

func (s *MemorySession) AddSubscription(filter string, qos byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[filter] = qos
}

func (s *MemorySession) RemoveSubscription(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[filter]; !ok {
		return false
	}
	delete(s.subscriptions, filter)
	return true
}

func (s *MemorySession) Subscriptions() map[string]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]byte, len(s.subscriptions))
	for filter, qos := range s.subscriptions {
		out[filter] = qos
	}
	return out
}

func (s *MemorySession) AddInflight(msg InflightMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[msg.PacketID] = msg
}

func (s *MemorySession) GetInflight(packetID uint16) (InflightMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.inflight[packetID]
	return msg, ok
}

func (s *MemorySession) UpdateInflight(msg InflightMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inflight[msg.PacketID]; ok {
		s.inflight[msg.PacketID] = msg
	}
}

func (s *MemorySession) RemoveInflight(packetID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, packetID)
}

func (s *MemorySession) Inflight() []InflightMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]InflightMessage, 0, len(s.inflight))
	for _, msg := range s.inflight {
		out = append(out, msg)
	}
	return out
}

func (s *MemorySession) QueueMessage(msg Message, qos byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) >= maxQueuedMessages {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, QueuedMessage{Message: msg, QoS: qos})
}

func (s *MemorySession) DrainQueue() []QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := s.queue
	s.queue = nil
	return queued
}

func (s *MemorySession) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

func (s *MemorySession) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// MemorySessionStore is an in-memory SessionStore implementation.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*MemorySession
}

// NewMemorySessionStore creates a new in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*MemorySession),
	}
}

func (st *MemorySessionStore) Get(clientID string) (Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.sessions[clientID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (st *MemorySessionStore) Create(clientID string) (Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sessions[clientID]; ok {
		return nil, ErrSessionExists
	}

	s := NewMemorySession(clientID)
	st.sessions[clientID] = s
	return s, nil
}

func (st *MemorySessionStore) Delete(clientID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sessions[clientID]; !ok {
		return ErrSessionNotFound
	}
	delete(st.sessions, clientID)
	return nil
}

func (st *MemorySessionStore) Range(fn func(s Session) bool) {
	st.mu.RLock()
	sessions := make([]*MemorySession, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	st.mu.RUnlock()

	for _, s := range sessions {
		if !fn(s) {
			return
		}
	}
}
