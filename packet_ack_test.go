package mqtt311

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAckPacketsWireFormat(t *testing.T) {
	tests := []struct {
		name      string
		packet    Packet
		firstByte byte
	}{
		{name: "PUBACK", packet: &PubackPacket{PacketID: 0x1234}, firstByte: 0x40},
		{name: "PUBREC", packet: &PubrecPacket{PacketID: 0x1234}, firstByte: 0x50},
		{name: "PUBREL", packet: &PubrelPacket{PacketID: 0x1234}, firstByte: 0x62},
		{name: "PUBCOMP", packet: &PubcompPacket{PacketID: 0x1234}, firstByte: 0x70},
		{name: "UNSUBACK", packet: &UnsubackPacket{PacketID: 0x1234}, firstByte: 0xB0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := tt.packet.Encode(&buf)
			require.NoError(t, err)
			assert.Equal(t, 4, n)

			// type/flags, remaining length 2, packet ID big endian
			assert.Equal(t, []byte{tt.firstByte, 0x02, 0x12, 0x34}, buf.Bytes())
		})
	}
}

func TestAckPacketDecodeRejectsWrongLength(t *testing.T) {
	// PUBACK with remaining length 3.
	data := []byte{0x40, 0x03, 0x00, 0x01, 0x00}
	_, _, err := ReadPacket(bytes.NewReader(data), 0)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestAckPacketDecodeRejectsZeroID(t *testing.T) {
	data := []byte{0x40, 0x02, 0x00, 0x00}
	_, _, err := ReadPacket(bytes.NewReader(data), 0)
	assert.ErrorIs(t, err, ErrInvalidPacketID)
}

func TestAckPacketValidate(t *testing.T) {
	assert.Error(t, (&PubackPacket{}).Validate())
	assert.NoError(t, (&PubackPacket{PacketID: 1}).Validate())
	assert.Error(t, (&PubrelPacket{}).Validate())
	assert.NoError(t, (&PubrelPacket{PacketID: 1}).Validate())
}

func TestPingPacketsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	_, err := WritePacket(&buf, &PingreqPacket{}, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xC0, 0x00}, buf.Bytes())

	pkt, _, err := ReadPacket(&buf, 0)
	require.NoError(t, err)
	assert.IsType(t, &PingreqPacket{}, pkt)

	buf.Reset()
	_, err = WritePacket(&buf, &PingrespPacket{}, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xD0, 0x00}, buf.Bytes())
}

func TestDisconnectPacketWireFormat(t *testing.T) {
	var buf bytes.Buffer
	_, err := WritePacket(&buf, &DisconnectPacket{}, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xE0, 0x00}, buf.Bytes())
}
