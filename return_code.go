package mqtt311

import "errors"

var ErrInvalidReturnCode = errors.New("invalid CONNACK return code")

// ConnectReturnCode is the CONNACK connect return code.
type ConnectReturnCode byte

// Connect return codes defined by MQTT 3.1.1.
const (
	// ConnectionAccepted indicates the connection was accepted.
	ConnectionAccepted ConnectReturnCode = 0

	// ErrCodeUnacceptableProtocol indicates the server does not support the
	// requested protocol level.
	ErrCodeUnacceptableProtocol ConnectReturnCode = 1

	// ErrCodeIdentifierRejected indicates the client identifier is correct
	// UTF-8 but not allowed by the server.
	ErrCodeIdentifierRejected ConnectReturnCode = 2

	// ErrCodeServerUnavailable indicates the network connection was made but
	// the MQTT service is unavailable.
	ErrCodeServerUnavailable ConnectReturnCode = 3

	// ErrCodeBadCredentials indicates the data in the user name or password
	// is malformed or does not match.
	ErrCodeBadCredentials ConnectReturnCode = 4

	// ErrCodeNotAuthorized indicates the client is not authorized to connect.
	ErrCodeNotAuthorized ConnectReturnCode = 5
)

// String returns the string representation of the return code.
func (c ConnectReturnCode) String() string {
	switch c {
	case ConnectionAccepted:
		return "connection accepted"
	case ErrCodeUnacceptableProtocol:
		return "unacceptable protocol version"
	case ErrCodeIdentifierRejected:
		return "identifier rejected"
	case ErrCodeServerUnavailable:
		return "server unavailable"
	case ErrCodeBadCredentials:
		return "bad user name or password"
	case ErrCodeNotAuthorized:
		return "not authorized"
	default:
		return "unknown return code"
	}
}

// Valid returns true if the return code is defined by MQTT 3.1.1.
func (c ConnectReturnCode) Valid() bool {
	return c <= ErrCodeNotAuthorized
}
