package mqtt311

import (
	"errors"
	"io"
)

var (
	ErrInvalidPacketID   = errors.New("invalid packet identifier")
	ErrProtocolViolation = errors.New("protocol violation")
)

// encodeAck encodes an acknowledgment packet (PUBACK, PUBREC, PUBREL,
// PUBCOMP): a fixed header followed by the 2-byte packet identifier.
func encodeAck(w io.Writer, packetType PacketType, flags byte, packetID uint16) (int, error) {
	header := FixedHeader{
		PacketType:      packetType,
		Flags:           flags,
		RemainingLength: 2,
	}

	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}

	n, err := encodeUint16(w, packetID)
	return total + n, err
}

// decodeAck decodes the body of an acknowledgment packet.
func decodeAck(r io.Reader, header FixedHeader) (uint16, int, error) {
	if header.RemainingLength != 2 {
		return 0, 0, ErrProtocolViolation
	}

	packetID, n, err := decodeUint16(r)
	if err != nil {
		return 0, n, err
	}

	if packetID == 0 {
		return 0, n, ErrInvalidPacketID
	}

	return packetID, n, nil
}
