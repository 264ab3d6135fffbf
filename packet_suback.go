package mqtt311

import (
	"bytes"
	"errors"
	"io"
)

var ErrInvalidReturnCodes = errors.New("invalid SUBACK return codes")

// SubackFailure is the SUBACK return code indicating the subscription
// was refused.
const SubackFailure byte = 0x80

// SubackPacket represents an MQTT SUBACK packet. ReturnCodes carries one
// entry per filter of the corresponding SUBSCRIBE: the granted QoS, or
// SubackFailure.
type SubackPacket struct {
	PacketID    uint16
	ReturnCodes []byte
}

// Type returns the packet type.
func (p *SubackPacket) Type() PacketType { return PacketSUBACK }

// GetPacketID returns the packet identifier.
func (p *SubackPacket) GetPacketID() uint16 { return p.PacketID }

// SetPacketID sets the packet identifier.
func (p *SubackPacket) SetPacketID(id uint16) { p.PacketID = id }

// Encode writes the packet to the writer.
func (p *SubackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer

	if _, err := encodeUint16(&buf, p.PacketID); err != nil {
		return 0, err
	}

	if _, err := buf.Write(p.ReturnCodes); err != nil {
		return 0, err
	}

	header := FixedHeader{
		PacketType:      PacketSUBACK,
		Flags:           0x00,
		RemainingLength: uint32(buf.Len()),
	}

	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}

	n, err := w.Write(buf.Bytes())
	return total + n, err
}

// Decode reads the packet from the reader.
func (p *SubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketSUBACK {
		return 0, ErrInvalidPacketType
	}
	if header.Flags != 0x00 {
		return 0, ErrInvalidPacketFlags
	}
	if header.RemainingLength < 3 {
		return 0, ErrProtocolViolation
	}

	var totalRead int

	packetID, n, err := decodeUint16(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}
	p.PacketID = packetID

	p.ReturnCodes = make([]byte, header.RemainingLength-2)
	n, err = io.ReadFull(r, p.ReturnCodes)
	totalRead += n
	if err != nil {
		return totalRead, err
	}

	for _, code := range p.ReturnCodes {
		if code > 2 && code != SubackFailure {
			return totalRead, ErrInvalidReturnCodes
		}
	}

	return totalRead, nil
}

// Validate validates the packet contents.
func (p *SubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.ReturnCodes) == 0 {
		return ErrInvalidReturnCodes
	}
	for _, code := range p.ReturnCodes {
		if code > 2 && code != SubackFailure {
			return ErrInvalidReturnCodes
		}
	}
	return nil
}
