package mqtt311

// Metrics receives broker events. Implementations must be safe for
// concurrent use. NoOpMetrics is the default.
type Metrics interface {
	// ConnectionOpened is called when a client completes the CONNECT
	// handshake.
	ConnectionOpened()

	// ConnectionClosed is called when a client connection ends.
	ConnectionClosed()

	// ConnectionRejected is called when a CONNECT is refused with the
	// given return code.
	ConnectionRejected(code ConnectReturnCode)

	// PacketReceived is called for every decoded inbound packet.
	PacketReceived(packetType PacketType)

	// PacketSent is called for every encoded outbound packet.
	PacketSent(packetType PacketType)

	// MessagePublished is called when a PUBLISH is accepted for routing.
	MessagePublished(qos byte)

	// MessageDelivered is called for each copy delivered to a subscriber.
	MessageDelivered(qos byte)

	// MessageDropped is called when a delivery is dropped, with a short
	// reason such as "queue_full" or "no_session".
	MessageDropped(reason string)

	// RetainedMessages reports the current retained message count.
	RetainedMessages(count int)

	// ActiveSubscriptions reports the current subscription count.
	ActiveSubscriptions(count int)
}

// NoOpMetrics discards all metric events.
type NoOpMetrics struct{}

func (NoOpMetrics) ConnectionOpened() {}

func (NoOpMetrics) ConnectionClosed() {}

func (NoOpMetrics) ConnectionRejected(_ ConnectReturnCode) {}

func (NoOpMetrics) PacketReceived(_ PacketType) {}

func (NoOpMetrics) PacketSent(_ PacketType) {}

func (NoOpMetrics) MessagePublished(_ byte) {}

func (NoOpMetrics) MessageDelivered(_ byte) {}

func (NoOpMetrics) MessageDropped(_ string) {}

func (NoOpMetrics) RetainedMessages(_ int) {}

func (NoOpMetrics) ActiveSubscriptions(_ int) {}
