package mqtt311

import (
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrNoFreePacketID  = errors.New("no free packet ID available")
)

// InflightDirection marks which side of the exchange owns an in-flight
// message.
type InflightDirection byte

const (
	// InflightOutbound is a message sent to the client awaiting acknowledgment.
	InflightOutbound InflightDirection = iota
	// InflightInbound is a QoS 2 message received from the client awaiting PUBREL.
	InflightInbound
)

// InflightState tracks the acknowledgment progress of a QoS 2 exchange.
type InflightState byte

const (
	// InflightAwaitingAck waits for PUBACK (QoS 1) or PUBREC (QoS 2).
	InflightAwaitingAck InflightState = iota
	// InflightAwaitingComp waits for PUBCOMP after PUBREL was sent.
	InflightAwaitingComp
	// InflightAwaitingRel waits for PUBREL on an inbound QoS 2 message.
	InflightAwaitingRel
)

// InflightMessage is a message participating in a QoS 1 or QoS 2 exchange.
type InflightMessage struct {
	PacketID  uint16
	Message   Message
	Direction InflightDirection
	State     InflightState
	SentAt    time.Time
	Retries   int
}

// Session holds per-client state that survives a single network
// connection when the client connects with CleanSession=false.
type Session interface {
	// ID returns the client identifier this session belongs to.
	ID() string

	// NextPacketID allocates the next free packet identifier,
	// skipping IDs that are still in flight.
	NextPacketID() (uint16, error)

	// AddSubscription records a subscription in the session.
	AddSubscription(filter string, qos byte)

	// RemoveSubscription removes a subscription from the session.
	RemoveSubscription(filter string) bool

	// Subscriptions returns all subscriptions stored in the session.
	Subscriptions() map[string]byte

	// AddInflight stores an in-flight message keyed by packet ID.
	AddInflight(msg InflightMessage)

	// GetInflight returns the in-flight message for a packet ID.
	GetInflight(packetID uint16) (InflightMessage, bool)

	// UpdateInflight replaces the stored in-flight message.
	UpdateInflight(msg InflightMessage)

	// RemoveInflight removes an in-flight message and frees its packet ID.
	RemoveInflight(packetID uint16)

	// Inflight returns all in-flight messages.
	Inflight() []InflightMessage

	// QueueMessage appends a message to the offline delivery queue.
	QueueMessage(msg Message, qos byte)

	// DrainQueue removes and returns all queued messages in enqueue order.
	DrainQueue() []QueuedMessage

	// Touch updates the last-activity timestamp.
	Touch()

	// LastActivity returns the time of the last recorded activity.
	LastActivity() time.Time
}

// QueuedMessage is a message waiting for an offline client, paired with
// the QoS granted by the matching subscription.
type QueuedMessage struct {
	Message Message
	QoS     byte
}

// SessionStore manages session persistence across connections.
type SessionStore interface {
	// Get returns the session for a client ID.
	Get(clientID string) (Session, error)

	// Create creates a new session for a client ID.
	// Returns ErrSessionExists if one is already stored.
	Create(clientID string) (Session, error)

	// Delete removes the session for a client ID.
	Delete(clientID string) error

	// Range calls fn for each stored session until fn returns false.
	Range(fn func(s Session) bool)
}
