package mqtt311

// WillMessage is the message a broker publishes on behalf of a client
// that disconnected without sending DISCONNECT.
type WillMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// willFromConnect extracts the will message from a CONNECT packet.
// Returns nil when the will flag is not set.
func willFromConnect(pkt *ConnectPacket) *WillMessage {
	if !pkt.WillFlag {
		return nil
	}
	return &WillMessage{
		Topic:   pkt.WillTopic,
		Payload: pkt.WillPayload,
		QoS:     pkt.WillQoS,
		Retain:  pkt.WillRetain,
	}
}

// ToMessage converts the will into a publishable message.
func (w *WillMessage) ToMessage() Message {
	return Message{
		Topic:   w.Topic,
		Payload: w.Payload,
		QoS:     w.QoS,
		Retain:  w.Retain,
	}
}
