package mqtt311

import (
	"errors"
	"fmt"
)

var (
	ErrClientClosed     = errors.New("client is closed")
	ErrNotConnected     = errors.New("client is not connected")
	ErrAckTimeout       = errors.New("timed out waiting for acknowledgment")
	ErrUnexpectedPacket = errors.New("unexpected packet")
	ErrSubscribeFailed  = errors.New("subscription rejected by server")
)

// ConnectionRefusedError is returned when the server refuses the
// CONNECT with a non-zero CONNACK return code.
type ConnectionRefusedError struct {
	Code ConnectReturnCode
}

func (e *ConnectionRefusedError) Error() string {
	return fmt.Sprintf("connection refused: %s", e.Code)
}

// IsConnectionRefused reports whether err is a CONNACK refusal,
// returning the refusal code.
func IsConnectionRefused(err error) (ConnectReturnCode, bool) {
	var refused *ConnectionRefusedError
	if errors.As(err, &refused) {
		return refused.Code, true
	}
	return 0, false
}
