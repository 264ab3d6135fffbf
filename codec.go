package mqtt311

import (
	"errors"
	"io"
)

var (
	ErrPacketTooLarge    = errors.New("mqtt311: packet exceeds maximum size")
	ErrUnknownPacketType = errors.New("mqtt311: unknown packet type")

	// ErrIncomplete is returned by Decoder.Next when the buffered bytes do
	// not yet contain a complete packet.
	ErrIncomplete = errors.New("mqtt311: incomplete packet")
)

// newPacket returns a zero packet value for the given type.
func newPacket(packetType PacketType) (Packet, error) {
	switch packetType {
	case PacketCONNECT:
		return &ConnectPacket{}, nil
	case PacketCONNACK:
		return &ConnackPacket{}, nil
	case PacketPUBLISH:
		return &PublishPacket{}, nil
	case PacketPUBACK:
		return &PubackPacket{}, nil
	case PacketPUBREC:
		return &PubrecPacket{}, nil
	case PacketPUBREL:
		return &PubrelPacket{}, nil
	case PacketPUBCOMP:
		return &PubcompPacket{}, nil
	case PacketSUBSCRIBE:
		return &SubscribePacket{}, nil
	case PacketSUBACK:
		return &SubackPacket{}, nil
	case PacketUNSUBSCRIBE:
		return &UnsubscribePacket{}, nil
	case PacketUNSUBACK:
		return &UnsubackPacket{}, nil
	case PacketPINGREQ:
		return &PingreqPacket{}, nil
	case PacketPINGRESP:
		return &PingrespPacket{}, nil
	case PacketDISCONNECT:
		return &DisconnectPacket{}, nil
	default:
		return nil, ErrUnknownPacketType
	}
}

// DefaultMaxPacketSize is the packet size cap applied when no explicit
// limit is configured.
const DefaultMaxPacketSize uint32 = 1024 * 1024

// ReadPacket reads a complete MQTT packet from the reader.
// If maxSize is greater than 0, packets larger than maxSize will return ErrPacketTooLarge.
func ReadPacket(r io.Reader, maxSize uint32) (Packet, int, error) {
	var header FixedHeader
	n, err := header.Decode(r)
	if err != nil {
		return nil, n, err
	}

	if err := header.ValidateFlags(); err != nil {
		return nil, n, err
	}

	// Check max size
	if maxSize > 0 && header.RemainingLength > maxSize {
		return nil, n, ErrPacketTooLarge
	}

	// Read remaining bytes
	remaining := make([]byte, header.RemainingLength)
	if header.RemainingLength > 0 {
		rn, err := io.ReadFull(r, remaining)
		n += rn
		if err != nil {
			return nil, n, err
		}
	}

	packet, err := newPacket(header.PacketType)
	if err != nil {
		return nil, n, err
	}

	// Decode packet
	reader := getBytesReader(remaining)
	_, err = packet.Decode(reader, header)
	putBytesReader(reader)
	if err != nil {
		return nil, n, err
	}

	return packet, n, nil
}

// WritePacket writes a complete MQTT packet to the writer.
// If maxSize is greater than 0, packets larger than maxSize will return ErrPacketTooLarge.
func WritePacket(w io.Writer, packet Packet, maxSize uint32) (int, error) {
	if err := packet.Validate(); err != nil {
		return 0, err
	}

	// If max size check is needed, encode to buffer first
	if maxSize > 0 {
		buf := getBytesBuffer()
		defer putBytesBuffer(buf)

		n, err := packet.Encode(buf)
		if err != nil {
			return 0, err
		}
		if uint32(n) > maxSize {
			return 0, ErrPacketTooLarge
		}
		return w.Write(buf.Bytes())
	}

	return packet.Encode(w)
}

// Decoder is a resumable packet decoder for streamed reads. Bytes are
// accumulated with Feed; Next returns ErrIncomplete until the buffer holds
// a complete packet, then decodes and consumes it. Any other error means
// the stream is malformed and the connection should be closed.
type Decoder struct {
	buf     []byte
	maxSize uint32
}

// NewDecoder creates a decoder. If maxSize is greater than 0, packets with
// a larger remaining length yield ErrPacketTooLarge.
func NewDecoder(maxSize uint32) *Decoder {
	return &Decoder{maxSize: maxSize}
}

// Feed appends raw bytes to the decoder's buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of unconsumed bytes.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next decodes and consumes the next packet from the buffer.
// Returns ErrIncomplete if more bytes are needed.
func (d *Decoder) Next() (Packet, error) {
	header, headerLen, err := d.peekHeader()
	if err != nil {
		return nil, err
	}

	if err := header.ValidateFlags(); err != nil {
		return nil, err
	}

	if d.maxSize > 0 && header.RemainingLength > d.maxSize {
		return nil, ErrPacketTooLarge
	}

	total := headerLen + int(header.RemainingLength)
	if len(d.buf) < total {
		return nil, ErrIncomplete
	}

	packet, err := newPacket(header.PacketType)
	if err != nil {
		return nil, err
	}

	reader := getBytesReader(d.buf[headerLen:total])
	_, err = packet.Decode(reader, header)
	putBytesReader(reader)
	if err != nil {
		return nil, err
	}

	// Consume the packet bytes
	d.buf = d.buf[total:]
	if len(d.buf) == 0 {
		d.buf = nil
	}

	return packet, nil
}

// peekHeader parses the fixed header from the buffer without consuming it.
func (d *Decoder) peekHeader() (FixedHeader, int, error) {
	if len(d.buf) < 2 {
		return FixedHeader{}, 0, ErrIncomplete
	}

	header := FixedHeader{
		PacketType: PacketType(d.buf[0] >> 4),
		Flags:      d.buf[0] & 0x0F,
	}

	if !header.PacketType.Valid() {
		return FixedHeader{}, 0, ErrInvalidPacketType
	}

	// Remaining length varint
	var value uint32
	var multiplier uint32 = 1
	pos := 1

	for {
		if pos >= len(d.buf) {
			return FixedHeader{}, 0, ErrIncomplete
		}

		encodedByte := d.buf[pos]
		pos++

		value += uint32(encodedByte&varintValueMask) * multiplier
		if value > maxVarint {
			return FixedHeader{}, 0, ErrVarintTooLarge
		}

		if encodedByte&varintContinueBit == 0 {
			break
		}

		multiplier *= 128
		if multiplier > 128*128*128 {
			return FixedHeader{}, 0, ErrVarintMalformed
		}
	}

	header.RemainingLength = value
	return header, pos, nil
}

// bytesReader wraps a byte slice for io.Reader interface.
type bytesReader struct {
	data []byte
	pos  int
}

func (r *bytesReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// bytesBuffer is a simple buffer for encoding.
type bytesBuffer struct {
	data []byte
}

func (b *bytesBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *bytesBuffer) Bytes() []byte {
	return b.data
}
