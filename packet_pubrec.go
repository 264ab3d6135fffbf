//nolint:dupl // MQTT 3.1.1 requires separate packet types with same structure
package mqtt311

import "io"

// PubrecPacket represents an MQTT PUBREC packet, the first response in the
// QoS 2 flow.
type PubrecPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubrecPacket) Type() PacketType { return PacketPUBREC }

// GetPacketID returns the packet identifier.
func (p *PubrecPacket) GetPacketID() uint16 { return p.PacketID }

// SetPacketID sets the packet identifier.
func (p *PubrecPacket) SetPacketID(id uint16) { p.PacketID = id }

// Encode writes the packet to the writer.
func (p *PubrecPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return encodeAck(w, PacketPUBREC, 0x00, p.PacketID)
}

// Decode reads the packet from the reader.
func (p *PubrecPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketPUBREC {
		return 0, ErrInvalidPacketType
	}
	if header.Flags != 0x00 {
		return 0, ErrInvalidPacketFlags
	}
	id, n, err := decodeAck(r, header)
	p.PacketID = id
	return n, err
}

// Validate validates the packet contents.
func (p *PubrecPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	return nil
}
