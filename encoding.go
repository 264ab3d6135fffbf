package mqtt311

import (
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"
)

// Encoding errors.
var (
	ErrStringTooLong      = errors.New("string exceeds maximum length of 65535 bytes")
	ErrBinaryTooLong      = errors.New("binary data exceeds maximum length of 65535 bytes")
	ErrInvalidUTF8        = errors.New("invalid UTF-8 string")
	ErrStringContainsNull = errors.New("string contains null character")
	ErrVarintTooLarge     = errors.New("variable byte integer exceeds maximum value")
	ErrVarintMalformed    = errors.New("malformed variable byte integer")
)

const (
	maxUint16         = 65535
	maxVarint         = 268435455 // 0x0FFFFFFF
	varintContinueBit = 0x80
	varintValueMask   = 0x7F
)

// encodeString writes a UTF-8 string with 2-byte big-endian length prefix to w.
// Returns the number of bytes written.
func encodeString(w io.Writer, s string) (int, error) {
	if len(s) > maxUint16 {
		return 0, ErrStringTooLong
	}

	if !utf8.ValidString(s) {
		return 0, ErrInvalidUTF8
	}

	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return 0, ErrStringContainsNull
		}
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))

	n, err := w.Write(lenBuf[:])
	if err != nil {
		return n, err
	}

	n2, err := io.WriteString(w, s)
	return n + n2, err
}

// decodeString reads a UTF-8 string with 2-byte length prefix from r.
func decodeString(r io.Reader) (string, int, error) {
	var lenBuf [2]byte
	n, err := io.ReadFull(r, lenBuf[:])
	if err != nil {
		return "", n, err
	}

	length := binary.BigEndian.Uint16(lenBuf[:])
	if length == 0 {
		return "", n, nil
	}

	buf := make([]byte, length)
	n2, err := io.ReadFull(r, buf)
	n += n2
	if err != nil {
		return "", n, err
	}

	if !utf8.Valid(buf) {
		return "", n, ErrInvalidUTF8
	}

	for i := 0; i < len(buf); i++ {
		if buf[i] == 0 {
			return "", n, ErrStringContainsNull
		}
	}

	return string(buf), n, nil
}

// encodeBinary writes binary data with 2-byte length prefix to w.
// Returns the number of bytes written.
func encodeBinary(w io.Writer, data []byte) (int, error) {
	if len(data) > maxUint16 {
		return 0, ErrBinaryTooLong
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(data)))

	n, err := w.Write(lenBuf[:])
	if err != nil {
		return n, err
	}

	n2, err := w.Write(data)
	return n + n2, err
}

// decodeBinary reads binary data with 2-byte length prefix from r.
func decodeBinary(r io.Reader) ([]byte, int, error) {
	var lenBuf [2]byte
	n, err := io.ReadFull(r, lenBuf[:])
	if err != nil {
		return nil, n, err
	}

	length := binary.BigEndian.Uint16(lenBuf[:])
	if length == 0 {
		return nil, n, nil
	}

	buf := make([]byte, length)
	n2, err := io.ReadFull(r, buf)
	n += n2
	if err != nil {
		return nil, n, err
	}

	return buf, n, nil
}

// encodeUint16 writes a 2-byte big-endian integer to w.
func encodeUint16(w io.Writer, v uint16) (int, error) {
	return w.Write([]byte{byte(v >> 8), byte(v)})
}

// decodeUint16 reads a 2-byte big-endian integer from r.
func decodeUint16(r io.Reader) (uint16, int, error) {
	var buf [2]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return 0, n, err
	}
	return binary.BigEndian.Uint16(buf[:]), n, nil
}

// encodeVarint writes a variable byte integer to w.
// Returns the number of bytes written.
func encodeVarint(w io.Writer, value uint32) (int, error) {
	if value > maxVarint {
		return 0, ErrVarintTooLarge
	}

	var buf [4]byte
	n := 0

	for {
		encodedByte := byte(value & varintValueMask)
		value >>= 7

		if value > 0 {
			encodedByte |= varintContinueBit
		}

		buf[n] = encodedByte
		n++

		if value == 0 {
			break
		}
	}

	return w.Write(buf[:n])
}

// decodeVarint reads a variable byte integer from r.
// Returns the value, number of bytes read, and any error.
func decodeVarint(r io.Reader) (uint32, int, error) {
	var value uint32
	var multiplier uint32 = 1
	var buf [1]byte
	bytesRead := 0

	for {
		n, err := r.Read(buf[:])
		bytesRead += n
		if err != nil {
			return 0, bytesRead, err
		}

		encodedByte := buf[0]
		value += uint32(encodedByte&varintValueMask) * multiplier

		if value > maxVarint {
			return 0, bytesRead, ErrVarintTooLarge
		}

		if encodedByte&varintContinueBit == 0 {
			break
		}

		multiplier *= 128
		if multiplier > 128*128*128 {
			return 0, bytesRead, ErrVarintMalformed
		}
	}

	return value, bytesRead, nil
}

// varintSize returns the number of bytes needed to encode a variable byte integer.
func varintSize(value uint32) int {
	switch {
	case value < 128:
		return 1
	case value < 16384:
		return 2
	case value < 2097152:
		return 3
	default:
		return 4
	}
}
