package mqtt311

import (
	"time"

	"golang.org/x/time/rate"
)

// serverConfig holds the assembled server configuration.
type serverConfig struct {
	listeners []Listener

	sessionStore  SessionStore
	retainedStore RetainedStore
	authenticator Authenticator

	maxPacketSize  uint32
	maxConnections int
	maxQoS         byte
	workers        int

	retryInterval time.Duration
	maxRetries    int

	acceptLimiter *rate.Limiter

	logger  Logger
	metrics Metrics

	onConnect    func(clientID string)
	onDisconnect func(clientID string, graceful bool)
	onPublish    func(clientID string, msg Message)
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		sessionStore:  NewMemorySessionStore(),
		retainedStore: NewMemoryRetainedStore(),
		maxPacketSize: DefaultMaxPacketSize,
		maxQoS:        QoS2,
		workers:       DefaultWorkerCount,
		retryInterval: DefaultRetryInterval,
		maxRetries:    DefaultMaxRetries,
		logger:        NoOpLogger{},
		metrics:       NoOpMetrics{},
	}
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

// WithListener adds a listener the server accepts connections from.
// Repeat to serve multiple transports at once.
func WithListener(l Listener) ServerOption {
	return func(c *serverConfig) {
		c.listeners = append(c.listeners, l)
	}
}

// WithSessionStore sets the session store.
func WithSessionStore(store SessionStore) ServerOption {
	return func(c *serverConfig) {
		c.sessionStore = store
	}
}

// WithRetainedStore sets the retained message store.
func WithRetainedStore(store RetainedStore) ServerOption {
	return func(c *serverConfig) {
		c.retainedStore = store
	}
}

// WithServerAuth sets the authenticator. Without one, all connections
// are accepted.
func WithServerAuth(auth Authenticator) ServerOption {
	return func(c *serverConfig) {
		c.authenticator = auth
	}
}

// WithMaxPacketSize caps accepted packet sizes in bytes.
func WithMaxPacketSize(size uint32) ServerOption {
	return func(c *serverConfig) {
		c.maxPacketSize = size
	}
}

// WithMaxConnections caps simultaneous client connections.
// Zero means unlimited.
func WithMaxConnections(n int) ServerOption {
	return func(c *serverConfig) {
		c.maxConnections = n
	}
}

// WithServerMaxQoS caps the QoS granted to subscriptions and accepted
// on published messages.
func WithServerMaxQoS(qos byte) ServerOption {
	return func(c *serverConfig) {
		if qos <= QoS2 {
			c.maxQoS = qos
		}
	}
}

// WithWorkerPoolSize sets the connection worker pool size.
func WithWorkerPoolSize(workers int) ServerOption {
	return func(c *serverConfig) {
		c.workers = workers
	}
}

// WithRetryInterval sets the retransmission interval for
// unacknowledged QoS 1 and QoS 2 messages.
func WithRetryInterval(interval time.Duration) ServerOption {
	return func(c *serverConfig) {
		if interval > 0 {
			c.retryInterval = interval
		}
	}
}

// WithMaxRetries sets how many times an unacknowledged message is
// retransmitted before being dropped.
func WithMaxRetries(n int) ServerOption {
	return func(c *serverConfig) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithAcceptRateLimit limits how many new connections per second the
// server accepts, with the given burst.
func WithAcceptRateLimit(perSecond float64, burst int) ServerOption {
	return func(c *serverConfig) {
		c.acceptLimiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) ServerOption {
	return func(c *serverConfig) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics Metrics) ServerOption {
	return func(c *serverConfig) {
		c.metrics = metrics
	}
}

// OnConnect registers a callback invoked after a client completes the
// CONNECT handshake.
func OnConnect(fn func(clientID string)) ServerOption {
	return func(c *serverConfig) {
		c.onConnect = fn
	}
}

// OnDisconnect registers a callback invoked when a client connection
// ends. graceful reports whether the client sent DISCONNECT.
func OnDisconnect(fn func(clientID string, graceful bool)) ServerOption {
	return func(c *serverConfig) {
		c.onDisconnect = fn
	}
}

// OnPublish registers a callback invoked for every accepted PUBLISH.
func OnPublish(fn func(clientID string, msg Message)) ServerOption {
	return func(c *serverConfig) {
		c.onPublish = fn
	}
}
