package mqtt311

import (
	"bytes"
	"errors"
	"io"
)

// CONNECT packet constants.
const (
	protocolName  = "MQTT"
	protocolLevel = 4
)

// Connect flag bit positions.
const (
	connectFlagCleanSession = 0x02
	connectFlagWillFlag     = 0x04
	connectFlagWillRetain   = 0x20
	connectFlagPasswordFlag = 0x40
	connectFlagUsernameFlag = 0x80
)

// CONNECT packet errors.
var (
	ErrInvalidProtocolName  = errors.New("invalid protocol name")
	ErrInvalidProtocolLevel = errors.New("unsupported protocol level")
	ErrInvalidConnectFlags  = errors.New("invalid connect flags")
	ErrClientIDTooLong      = errors.New("client ID too long")
	ErrClientIDRequired     = errors.New("client ID required with clean session false")
)

// ConnectPacket represents an MQTT CONNECT packet.
type ConnectPacket struct {
	// ClientID is the client identifier.
	ClientID string

	// CleanSession indicates whether the server must discard any previous
	// session state for this client identifier.
	CleanSession bool

	// KeepAlive is the keep alive interval in seconds.
	KeepAlive uint16

	// Username for authentication.
	Username string

	// Password for authentication.
	Password []byte

	// Will message configuration.
	WillFlag    bool
	WillRetain  bool
	WillQoS     byte
	WillTopic   string
	WillPayload []byte
}

// Type returns the packet type.
func (p *ConnectPacket) Type() PacketType {
	return PacketCONNECT
}

// connectFlags returns the connect flags byte.
func (p *ConnectPacket) connectFlags() byte {
	var flags byte

	if p.CleanSession {
		flags |= connectFlagCleanSession
	}

	if p.WillFlag {
		flags |= connectFlagWillFlag
		flags |= (p.WillQoS & 0x03) << 3
		if p.WillRetain {
			flags |= connectFlagWillRetain
		}
	}

	if len(p.Password) > 0 {
		flags |= connectFlagPasswordFlag
	}

	if p.Username != "" {
		flags |= connectFlagUsernameFlag
	}

	return flags
}

// setConnectFlags parses the connect flags byte.
func (p *ConnectPacket) setConnectFlags(flags byte) error {
	// Reserved bit must be 0
	if flags&0x01 != 0 {
		return ErrInvalidConnectFlags
	}

	p.CleanSession = flags&connectFlagCleanSession != 0
	p.WillFlag = flags&connectFlagWillFlag != 0
	p.WillQoS = (flags >> 3) & 0x03
	p.WillRetain = flags&connectFlagWillRetain != 0

	// Will QoS must be 0 if Will Flag is 0
	if !p.WillFlag && p.WillQoS != 0 {
		return ErrInvalidConnectFlags
	}

	// Will Retain must be 0 if Will Flag is 0
	if !p.WillFlag && p.WillRetain {
		return ErrInvalidConnectFlags
	}

	// Will QoS must not be 3
	if p.WillQoS > 2 {
		return ErrInvalidConnectFlags
	}

	return nil
}

// Encode writes the packet to the writer.
func (p *ConnectPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	// Build variable header and payload
	var buf bytes.Buffer

	// Protocol Name
	n, err := encodeString(&buf, protocolName)
	if err != nil {
		return 0, err
	}

	// Protocol Level
	if err := buf.WriteByte(protocolLevel); err != nil {
		return n, err
	}
	n++

	// Connect Flags
	if err := buf.WriteByte(p.connectFlags()); err != nil {
		return n, err
	}
	n++

	// Keep Alive
	n2, err := encodeUint16(&buf, p.KeepAlive)
	n += n2
	if err != nil {
		return n, err
	}

	// Payload

	// Client ID
	n3, err := encodeString(&buf, p.ClientID)
	n += n3
	if err != nil {
		return n, err
	}

	// Will Topic, Payload
	if p.WillFlag {
		n4, err := encodeString(&buf, p.WillTopic)
		n += n4
		if err != nil {
			return n, err
		}

		n5, err := encodeBinary(&buf, p.WillPayload)
		n += n5
		if err != nil {
			return n, err
		}
	}

	// Username
	if p.Username != "" {
		n6, err := encodeString(&buf, p.Username)
		n += n6
		if err != nil {
			return n, err
		}
	}

	// Password
	if len(p.Password) > 0 {
		n7, err := encodeBinary(&buf, p.Password)
		n += n7
		if err != nil {
			return n, err
		}
	}

	// Write fixed header
	header := FixedHeader{
		PacketType:      PacketCONNECT,
		Flags:           0x00,
		RemainingLength: uint32(buf.Len()),
	}

	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}

	// Write variable header and payload
	n8, err := w.Write(buf.Bytes())
	return total + n8, err
}

// Decode reads the packet from the reader.
func (p *ConnectPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketCONNECT {
		return 0, ErrInvalidPacketType
	}
	if header.Flags != 0x00 {
		return 0, ErrInvalidPacketFlags
	}

	var totalRead int

	// Protocol Name
	protoName, n, err := decodeString(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}
	if protoName != protocolName {
		return totalRead, ErrInvalidProtocolName
	}

	// Protocol Level
	var levelBuf [1]byte
	n, err = io.ReadFull(r, levelBuf[:])
	totalRead += n
	if err != nil {
		return totalRead, err
	}
	if levelBuf[0] != protocolLevel {
		return totalRead, ErrInvalidProtocolLevel
	}

	// Connect Flags
	var flagsBuf [1]byte
	n, err = io.ReadFull(r, flagsBuf[:])
	totalRead += n
	if err != nil {
		return totalRead, err
	}
	if err := p.setConnectFlags(flagsBuf[0]); err != nil {
		return totalRead, err
	}

	usernameFlag := flagsBuf[0]&connectFlagUsernameFlag != 0
	passwordFlag := flagsBuf[0]&connectFlagPasswordFlag != 0

	// Password flag requires the username flag per MQTT 3.1.1
	if passwordFlag && !usernameFlag {
		return totalRead, ErrInvalidConnectFlags
	}

	// Keep Alive
	p.KeepAlive, n, err = decodeUint16(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}

	// Payload

	// Client ID
	p.ClientID, n, err = decodeString(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}

	// Will Topic, Payload
	if p.WillFlag {
		p.WillTopic, n, err = decodeString(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}

		p.WillPayload, n, err = decodeBinary(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
	}

	// Username
	if usernameFlag {
		p.Username, n, err = decodeString(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
	}

	// Password
	if passwordFlag {
		p.Password, n, err = decodeBinary(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
	}

	return totalRead, nil
}

// Validate validates the packet contents.
func (p *ConnectPacket) Validate() error {
	if len(p.ClientID) > maxUint16 {
		return ErrClientIDTooLong
	}

	// Client ID must be present if CleanSession is false
	if !p.CleanSession && p.ClientID == "" {
		return ErrClientIDRequired
	}

	// Will QoS must be valid
	if p.WillQoS > 2 {
		return ErrInvalidConnectFlags
	}

	// Will Retain and Will QoS should be 0 if Will Flag is not set
	if !p.WillFlag && (p.WillRetain || p.WillQoS != 0) {
		return ErrInvalidConnectFlags
	}

	if p.WillFlag {
		if err := ValidateTopicName(p.WillTopic); err != nil {
			return err
		}
	}

	return nil
}
