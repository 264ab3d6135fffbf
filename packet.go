package mqtt311

import "io"

// QoS levels.
const (
	// QoS0 delivers a message at most once, with no acknowledgment.
	QoS0 byte = 0
	// QoS1 delivers a message at least once, acknowledged by PUBACK.
	QoS1 byte = 1
	// QoS2 delivers a message exactly once via the PUBREC/PUBREL/PUBCOMP flow.
	QoS2 byte = 2
)

// Packet is the interface that all MQTT control packets implement.
type Packet interface {
	// Type returns the packet type.
	Type() PacketType

	// Encode writes the packet to the writer.
	// Returns the number of bytes written.
	Encode(w io.Writer) (int, error)

	// Decode reads the packet from the reader.
	// The fixed header should already be decoded.
	// Returns the number of bytes read.
	Decode(r io.Reader, header FixedHeader) (int, error)

	// Validate validates the packet contents.
	Validate() error
}

// PacketWithID is implemented by packets that have a packet identifier.
type PacketWithID interface {
	Packet

	// PacketID returns the packet identifier.
	GetPacketID() uint16

	// SetPacketID sets the packet identifier.
	SetPacketID(id uint16)
}

// Message represents an MQTT application message.
// This is the user-facing struct with public fields for easy access.
type Message struct {
	// Topic is the topic name to publish to or received from.
	Topic string

	// Payload is the application message payload.
	Payload []byte

	// QoS is the Quality of Service level (0, 1, or 2).
	QoS byte

	// Retain indicates if this is a retained message.
	Retain bool

	// Dup indicates the message is a retransmission.
	// Only meaningful on received messages.
	Dup bool
}

// Clone creates a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	clone := &Message{
		Topic:  m.Topic,
		QoS:    m.QoS,
		Retain: m.Retain,
		Dup:    m.Dup,
	}

	if m.Payload != nil {
		clone.Payload = make([]byte, len(m.Payload))
		copy(clone.Payload, m.Payload)
	}

	return clone
}
