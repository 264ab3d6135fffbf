//nolint:dupl // MQTT 3.1.1 requires separate packet types with same structure
package mqtt311

import "io"

// PubcompPacket represents an MQTT PUBCOMP packet, the final packet of the
// QoS 2 flow.
type PubcompPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubcompPacket) Type() PacketType { return PacketPUBCOMP }

// GetPacketID returns the packet identifier.
func (p *PubcompPacket) GetPacketID() uint16 { return p.PacketID }

// SetPacketID sets the packet identifier.
func (p *PubcompPacket) SetPacketID(id uint16) { p.PacketID = id }

// Encode writes the packet to the writer.
func (p *PubcompPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return encodeAck(w, PacketPUBCOMP, 0x00, p.PacketID)
}

// Decode reads the packet from the reader.
func (p *PubcompPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketPUBCOMP {
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
func (p *PubcompPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	return nil
}
