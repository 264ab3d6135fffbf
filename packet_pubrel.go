package mqtt311

import "io"

// PubrelPacket represents an MQTT PUBREL packet, the second response in the
// QoS 2 flow. Its fixed header flags must be 0x02.
type PubrelPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubrelPacket) Type() PacketType { return PacketPUBREL }

// GetPacketID returns the packet identifier.
func (p *PubrelPacket) GetPacketID() uint16 { return p.PacketID }

// SetPacketID sets the packet identifier.
func (p *PubrelPacket) SetPacketID(id uint16) { p.PacketID = id }

// Encode writes the packet to the writer.
func (p *PubrelPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return encodeAck(w, PacketPUBREL, 0x02, p.PacketID)
}

// Decode reads the packet from the reader.
func (p *PubrelPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketPUBREL {
		return 0, ErrInvalidPacketType
	}
	if header.Flags != 0x02 {
		return 0, ErrInvalidPacketFlags
	}
	id, n, err := decodeAck(r, header)
	p.PacketID = id
	return n, err
}

// Validate validates the packet contents.
func (p *PubrelPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	return nil
}
