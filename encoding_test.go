package mqtt311

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeString(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{name: "empty", value: ""},
		{name: "ascii", value: "hello/world"},
		{name: "utf8", value: "sensors/température"},
		{name: "max length", value: strings.Repeat("a", 65535)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := encodeString(&buf, tt.value)
			require.NoError(t, err)
			assert.Equal(t, len(tt.value)+2, n)

			decoded, m, err := decodeString(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.value, decoded)
			assert.Equal(t, n, m)
		})
	}
}

func TestEncodeStringTooLong(t *testing.T) {
	var buf bytes.Buffer
	_, err := encodeString(&buf, strings.Repeat("a", 65536))
	assert.ErrorIs(t, err, ErrStringTooLong)
}

func TestDecodeStringInvalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		err  error
	}{
		{
			name: "invalid utf8",
			data: []byte{0x00, 0x02, 0xff, 0xfe},
			err:  ErrInvalidUTF8,
		},
		{
			name: "null character",
			data: []byte{0x00, 0x03, 'a', 0x00, 'b'},
			err:  ErrStringContainsNull,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := decodeString(bytes.NewReader(tt.data))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestEncodeDecodeVarint(t *testing.T) {
	tests := []struct {
		name  string
		value uint32
		size  int
	}{
		{name: "zero", value: 0, size: 1},
		{name: "one byte max", value: 127, size: 1},
		{name: "two bytes min", value: 128, size: 2},
		{name: "two bytes max", value: 16383, size: 2},
		{name: "three bytes min", value: 16384, size: 3},
		{name: "three bytes max", value: 2097151, size: 3},
		{name: "four bytes min", value: 2097152, size: 4},
		{name: "four bytes max", value: 268435455, size: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := encodeVarint(&buf, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.size, n)
			assert.Equal(t, tt.size, varintSize(tt.value))

			decoded, m, err := decodeVarint(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.value, decoded)
			assert.Equal(t, tt.size, m)
		})
	}
}

func TestEncodeVarintTooLarge(t *testing.T) {
	var buf bytes.Buffer
	_, err := encodeVarint(&buf, maxVarint+1)
	assert.ErrorIs(t, err, ErrVarintTooLarge)
}

func TestDecodeVarintMalformed(t *testing.T) {
	// Five continuation bytes exceed the four byte limit.
	data := []byte{0x80, 0x80, 0x80, 0x80, 0x01}
	_, _, err := decodeVarint(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrVarintMalformed)
}

func TestEncodeDecodeUint16(t *testing.T) {
	var buf bytes.Buffer
	n, err := encodeUint16(&buf, 0x1234)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{0x12, 0x34}, buf.Bytes())

	value, m, err := decodeUint16(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), value)
	assert.Equal(t, 2, m)
}

func TestEncodeDecodeBinary(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}

	var buf bytes.Buffer
	n, err := encodeBinary(&buf, payload)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	decoded, m, err := decodeBinary(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
	assert.Equal(t, n, m)
}
