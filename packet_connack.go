package mqtt311

import (
	"errors"
	"io"
)

// CONNACK packet errors.
var (
	ErrInvalidConnackFlags = errors.New("invalid CONNACK flags")
)

// ConnackPacket represents an MQTT CONNACK packet.
type ConnackPacket struct {
	// SessionPresent indicates if a session exists from a previous connection.
	SessionPresent bool

	// ReturnCode is the connection result return code.
	ReturnCode ConnectReturnCode
}

// Type returns the packet type.
func (p *ConnackPacket) Type() PacketType {
	return PacketCONNACK
}

// Encode writes the packet to the writer.
func (p *ConnackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	header := FixedHeader{
		PacketType:      PacketCONNACK,
		Flags:           0x00,
		RemainingLength: 2,
	}

	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}

	var flags byte
	if p.SessionPresent {
		flags = 0x01
	}

	n, err := w.Write([]byte{flags, byte(p.ReturnCode)})
	return total + n, err
}

// Decode reads the packet from the reader.
func (p *ConnackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketCONNACK {
		return 0, ErrInvalidPacketType
	}
	if header.Flags != 0x00 {
		return 0, ErrInvalidPacketFlags
	}
	if header.RemainingLength != 2 {
		return 0, ErrProtocolViolation
	}

	var buf [2]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return n, err
	}

	// Reserved bits must be 0
	if buf[0]&0xFE != 0 {
		return n, ErrInvalidConnackFlags
	}

	p.SessionPresent = buf[0]&0x01 != 0
	p.ReturnCode = ConnectReturnCode(buf[1])

	if !p.ReturnCode.Valid() {
		return n, ErrInvalidReturnCode
	}

	return n, nil
}

// Validate validates the packet contents.
func (p *ConnackPacket) Validate() error {
	if !p.ReturnCode.Valid() {
		return ErrInvalidReturnCode
	}

	// If the connection was refused, session present must be false
	if p.ReturnCode != ConnectionAccepted && p.SessionPresent {
		return ErrInvalidConnackFlags
	}

	return nil
}
