package mqtt311

import (
	"time"
)

// clientConfig holds the assembled client configuration.
type clientConfig struct {
	clientID     string
	cleanSession bool
	keepAlive    uint16

	username string
	password []byte

	will *WillMessage

	dialer         Dialer
	connectTimeout time.Duration
	ackTimeout     time.Duration
	maxPacketSize  uint32

	retryInterval time.Duration
	maxRetries    int

	defaultHandler MessageHandler

	logger Logger
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		cleanSession:   true,
		keepAlive:      60,
		dialer:         &TCPDialer{Timeout: 10 * time.Second},
		connectTimeout: 10 * time.Second,
		ackTimeout:     30 * time.Second,
		maxPacketSize:  DefaultMaxPacketSize,
		retryInterval:  DefaultRetryInterval,
		maxRetries:     DefaultMaxRetries,
		logger:         NoOpLogger{},
	}
}

// Option configures a Client.
type Option func(*clientConfig)

// WithClientID sets the client identifier. An empty ID lets the
// server assign one, which requires a clean session.
func WithClientID(id string) Option {
	return func(c *clientConfig) {
		c.clientID = id
	}
}

// WithCleanSession controls whether the server discards any previous
// session state. Defaults to true.
func WithCleanSession(clean bool) Option {
	return func(c *clientConfig) {
		c.cleanSession = clean
	}
}

// WithKeepAlive sets the keep-alive interval in seconds.
// Zero disables the keep-alive mechanism.
func WithKeepAlive(seconds uint16) Option {
	return func(c *clientConfig) {
		c.keepAlive = seconds
	}
}

// WithCredentials sets the username and password sent in CONNECT.
func WithCredentials(username string, password []byte) Option {
	return func(c *clientConfig) {
		c.username = username
		c.password = password
	}
}

// WithWill sets the will message the server publishes if this client
// disconnects without sending DISCONNECT.
func WithWill(topic string, payload []byte, qos byte, retain bool) Option {
	return func(c *clientConfig) {
		c.will = &WillMessage{
			Topic:   topic,
			Payload: payload,
			QoS:     qos,
			Retain:  retain,
		}
	}
}

// WithDialer sets the transport dialer. Defaults to plain TCP.
func WithDialer(d Dialer) Option {
	return func(c *clientConfig) {
		c.dialer = d
	}
}

// WithConnectTimeout bounds the CONNECT handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithAckTimeout bounds how long Publish, Subscribe and Unsubscribe
// wait for the server's acknowledgment.
func WithAckTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.ackTimeout = d
		}
	}
}

// WithClientMaxPacketSize caps accepted packet sizes in bytes.
func WithClientMaxPacketSize(size uint32) Option {
	return func(c *clientConfig) {
		c.maxPacketSize = size
	}
}

// WithClientRetry sets the retransmission interval and limit for
// unacknowledged QoS 1 and QoS 2 messages.
func WithClientRetry(interval time.Duration, maxRetries int) Option {
	return func(c *clientConfig) {
		if interval > 0 {
			c.retryInterval = interval
		}
		if maxRetries > 0 {
			c.maxRetries = maxRetries
		}
	}
}

// WithDefaultHandler sets a handler for messages that match none of
// the registered subscriptions, such as messages redelivered from a
// resumed session before Subscribe is called again.
func WithDefaultHandler(handler MessageHandler) Option {
	return func(c *clientConfig) {
		c.defaultHandler = handler
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(logger Logger) Option {
	return func(c *clientConfig) {
		c.logger = logger
	}
}
