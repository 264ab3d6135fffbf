package mqtt311

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectPacketWireFormat(t *testing.T) {
	pkt := &ConnectPacket{
		ClientID:     "c1",
		CleanSession: true,
		KeepAlive:    60,
	}

	var buf bytes.Buffer
	_, err := pkt.Encode(&buf)
	require.NoError(t, err)

	data := buf.Bytes()
	// Fixed header: CONNECT, flags 0.
	assert.Equal(t, byte(0x10), data[0])
	// Protocol name "MQTT" length-prefixed.
	assert.Equal(t, []byte{0x00, 0x04, 'M', 'Q', 'T', 'T'}, data[2:8])
	// Protocol level 4.
	assert.Equal(t, byte(4), data[8])
	// Connect flags: clean session only.
	assert.Equal(t, byte(0x02), data[9])
	// Keep alive big endian.
	assert.Equal(t, []byte{0x00, 0x3C}, data[10:12])
}

func TestConnectPacketDecodeRejectsWrongProtocol(t *testing.T) {
	pkt := &ConnectPacket{ClientID: "c1", CleanSession: true}

	var buf bytes.Buffer
	_, err := pkt.Encode(&buf)
	require.NoError(t, err)

	data := buf.Bytes()

	t.Run("protocol name", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[4] = 'X'
		_, _, err := ReadPacket(bytes.NewReader(bad), 0)
		assert.ErrorIs(t, err, ErrInvalidProtocolName)
	})

	t.Run("protocol level", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[8] = 3
		_, _, err := ReadPacket(bytes.NewReader(bad), 0)
		assert.ErrorIs(t, err, ErrInvalidProtocolLevel)
	})

	t.Run("reserved flag bit", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[9] |= 0x01
		_, _, err := ReadPacket(bytes.NewReader(bad), 0)
		assert.ErrorIs(t, err, ErrInvalidConnectFlags)
	})
}

func TestConnectPacketValidate(t *testing.T) {
	tests := []struct {
		name    string
		packet  ConnectPacket
		wantErr error
	}{
		{
			name:   "valid",
			packet: ConnectPacket{ClientID: "c1", CleanSession: true},
		},
		{
			name:   "empty client ID with clean session",
			packet: ConnectPacket{CleanSession: true},
		},
		{
			name:    "empty client ID without clean session",
			packet:  ConnectPacket{},
			wantErr: ErrClientIDRequired,
		},
		{
			name: "client ID too long",
			packet: ConnectPacket{
				ClientID:     strings.Repeat("a", 65536),
				CleanSession: true,
			},
			wantErr: ErrClientIDTooLong,
		},
		{
			name: "valid will",
			packet: ConnectPacket{
				ClientID:     "c1",
				CleanSession: true,
				WillFlag:     true,
				WillTopic:    "status/c1",
				WillPayload:  []byte("offline"),
				WillQoS:      QoS1,
			},
		},
		{
			name: "will with wildcard topic",
			packet: ConnectPacket{
				ClientID:     "c1",
				CleanSession: true,
				WillFlag:     true,
				WillTopic:    "status/+",
			},
			wantErr: ErrInvalidTopicName,
		},
		{
			name: "will qos 3",
			packet: ConnectPacket{
				ClientID:     "c1",
				CleanSession: true,
				WillFlag:     true,
				WillTopic:    "status/c1",
				WillQoS:      3,
			},
			wantErr: ErrInvalidConnectFlags,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.packet.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConnackPacketRefusedWithoutSessionPresent(t *testing.T) {
	pkt := &ConnackPacket{
		SessionPresent: true,
		ReturnCode:     ErrCodeBadCredentials,
	}
	assert.Error(t, pkt.Validate())

	pkt.SessionPresent = false
	assert.NoError(t, pkt.Validate())
}

func TestConnectReturnCodeString(t *testing.T) {
	assert.Equal(t, "connection accepted", ConnectionAccepted.String())
	assert.True(t, ErrCodeNotAuthorized.Valid())
	assert.False(t, ConnectReturnCode(6).Valid())
}
