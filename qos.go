package mqtt311

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrPacketIDExhausted = errors.New("all packet IDs in use")
	ErrPacketIDNotFound  = errors.New("packet ID not found")
	ErrDuplicatePacketID = errors.New("packet ID already in use")
)

// Default retry behavior for unacknowledged QoS 1 and QoS 2 messages.
const (
	DefaultRetryInterval = 20 * time.Second
	DefaultMaxRetries    = 3
)

// PacketIDManager allocates packet identifiers for outgoing QoS 1 and
// QoS 2 messages. IDs stay reserved until released by the final
// acknowledgment of their exchange.
type PacketIDManager struct {
	mu     sync.Mutex
	nextID uint16
	inUse  map[uint16]struct{}
}

// NewPacketIDManager creates a new packet ID manager.
func NewPacketIDManager() *PacketIDManager {
	return &PacketIDManager{
		inUse: make(map[uint16]struct{}),
	}
}

// Acquire reserves and returns the next free packet ID.
func (m *PacketIDManager) Acquire() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < 65535; i++ {
		m.nextID++
		if m.nextID == 0 {
			m.nextID = 1
		}

		if _, ok := m.inUse[m.nextID]; !ok {
			m.inUse[m.nextID] = struct{}{}
			return m.nextID, nil
		}
	}

	return 0, ErrPacketIDExhausted
}

// Release frees a packet ID for reuse.
func (m *PacketIDManager) Release(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inUse, id)
}

// InUse returns whether a packet ID is currently reserved.
func (m *PacketIDManager) InUse(id uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.inUse[id]
	return ok
}

// pendingMessage is a sent message awaiting acknowledgment.
type pendingMessage struct {
	packet   *PublishPacket
	sentAt   time.Time
	retries  int
	awaiting InflightState
}

// QoS1Tracker tracks outgoing QoS 1 messages until PUBACK is received.
// Unacknowledged messages are retransmitted with the DUP flag set.
type QoS1Tracker struct {
	mu            sync.Mutex
	pending       map[uint16]*pendingMessage
	retryInterval time.Duration
	maxRetries    int
}

// NewQoS1Tracker creates a new QoS 1 tracker.
func NewQoS1Tracker(retryInterval time.Duration, maxRetries int) *QoS1Tracker {
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &QoS1Tracker{
		pending:       make(map[uint16]*pendingMessage),
		retryInterval: retryInterval,
		maxRetries:    maxRetries,
	}
}

// Track records a sent QoS 1 PUBLISH awaiting PUBACK.
func (t *QoS1Tracker) Track(pkt *PublishPacket) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[pkt.PacketID]; ok {
		return ErrDuplicatePacketID
	}

	t.pending[pkt.PacketID] = &pendingMessage{
		packet: pkt,
		sentAt: time.Now(),
	}
	return nil
}

// Ack completes the exchange for a packet ID.
// Returns ErrPacketIDNotFound for unknown IDs.
func (t *QoS1Tracker) Ack(packetID uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[packetID]; !ok {
		return ErrPacketIDNotFound
	}
	delete(t.pending, packetID)
	return nil
}

// GetPendingRetries returns messages due for retransmission. Each
// returned packet has DUP set and carries its original packet ID.
// Messages past the retry limit are dropped from the tracker and
// reported in expired so the caller can release the packet ID and any
// session state tied to it.
func (t *QoS1Tracker) GetPendingRetries() (retries []*PublishPacket, expired []uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()

	for id, pm := range t.pending {
		if now.Sub(pm.sentAt) < t.retryInterval {
			continue
		}

		if pm.retries >= t.maxRetries {
			delete(t.pending, id)
			expired = append(expired, id)
			continue
		}

		pm.retries++
		pm.sentAt = now
		pm.packet.DUP = true
		retries = append(retries, pm.packet)
	}

	return retries, expired
}

// PendingCount returns the number of unacknowledged messages.
func (t *QoS1Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Clear drops all pending messages.
func (t *QoS1Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = make(map[uint16]*pendingMessage)
}

// completedTTL is how long completed QoS 2 receiver state is remembered
// so that late retransmissions are still deduplicated.
const completedTTL = 5 * time.Minute

// QoS2Tracker tracks both sides of QoS 2 exchanges.
//
// Sender side: PUBLISH -> PUBREC -> PUBREL -> PUBCOMP.
// Receiver side: incoming packet IDs are remembered until PUBREL so a
// retransmitted PUBLISH is acknowledged without a second delivery.
type QoS2Tracker struct {
	mu            sync.Mutex
	pending       map[uint16]*pendingMessage
	received      map[uint16]struct{}
	completed     map[uint16]time.Time
	retryInterval time.Duration
	maxRetries    int
}

// NewQoS2Tracker creates a new QoS 2 tracker.
func NewQoS2Tracker(retryInterval time.Duration, maxRetries int) *QoS2Tracker {
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &QoS2Tracker{
		pending:       make(map[uint16]*pendingMessage),
		received:      make(map[uint16]struct{}),
		completed:     make(map[uint16]time.Time),
		retryInterval: retryInterval,
		maxRetries:    maxRetries,
	}
}

// Track records a sent QoS 2 PUBLISH awaiting PUBREC.
func (t *QoS2Tracker) Track(pkt *PublishPacket) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[pkt.PacketID]; ok {
		return ErrDuplicatePacketID
	}

	t.pending[pkt.PacketID] = &pendingMessage{
		packet:   pkt,
		sentAt:   time.Now(),
		awaiting: InflightAwaitingAck,
	}
	return nil
}

// HandlePubrec moves a sender-side exchange into the awaiting-PUBCOMP
// state. The caller sends PUBREL on success.
func (t *QoS2Tracker) HandlePubrec(packetID uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pm, ok := t.pending[packetID]
	if !ok {
		return ErrPacketIDNotFound
	}

	pm.awaiting = InflightAwaitingComp
	pm.sentAt = time.Now()
	pm.retries = 0
	return nil
}

// HandlePubcomp completes a sender-side exchange.
func (t *QoS2Tracker) HandlePubcomp(packetID uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[packetID]; !ok {
		return ErrPacketIDNotFound
	}
	delete(t.pending, packetID)
	return nil
}

// Receive records an incoming QoS 2 PUBLISH.
// Returns true if the message is new and should be delivered, false if
// it is a retransmission of an already received packet ID.
func (t *QoS2Tracker) Receive(packetID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.received[packetID]; ok {
		return false
	}
	if _, ok := t.completed[packetID]; ok {
		return false
	}

	t.received[packetID] = struct{}{}
	return true
}

// RestoreReceived reinstates receiver-side state for a packet ID when
// a persistent session resumes, so a retransmitted PUBLISH from before
// the reconnect is still deduplicated.
func (t *QoS2Tracker) RestoreReceived(packetID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.received[packetID] = struct{}{}
}

// HandlePubrel completes a receiver-side exchange. The packet ID moves
// to the completed set so retransmitted PUBLISH packets arriving after
// the PUBREL are still deduplicated. The caller sends PUBCOMP regardless
// of the return value.
func (t *QoS2Tracker) HandlePubrel(packetID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.received[packetID]; !ok {
		return false
	}

	delete(t.received, packetID)
	t.completed[packetID] = time.Now()
	return true
}

// GetPendingRetries returns sender-side packets due for retransmission.
// Exchanges awaiting PUBREC get the PUBLISH again with DUP set;
// exchanges awaiting PUBCOMP get the PUBREL again. Exchanges past the
// retry limit are dropped and reported in expired.
func (t *QoS2Tracker) GetPendingRetries() (publishes []*PublishPacket, pubrels []uint16, expired []uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()

	for id, pm := range t.pending {
		if now.Sub(pm.sentAt) < t.retryInterval {
			continue
		}

		if pm.retries >= t.maxRetries {
			delete(t.pending, id)
			expired = append(expired, id)
			continue
		}

		pm.retries++
		pm.sentAt = now

		if pm.awaiting == InflightAwaitingComp {
			pubrels = append(pubrels, id)
			continue
		}

		pm.packet.DUP = true
		publishes = append(publishes, pm.packet)
	}

	return publishes, pubrels, expired
}

// CleanupExpired removes completed receiver-side entries older than
// completedTTL.
func (t *QoS2Tracker) CleanupExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-completedTTL)
	for id, at := range t.completed {
		if at.Before(cutoff) {
			delete(t.completed, id)
		}
	}
}

// PendingCount returns the number of unfinished sender-side exchanges.
func (t *QoS2Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Clear drops all tracked state.
func (t *QoS2Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = make(map[uint16]*pendingMessage)
	t.received = make(map[uint16]struct{})
	t.completed = make(map[uint16]time.Time)
}
