package mqtt311

import (
	"net"
	"sync"
)

// outboundQueueSize bounds the per-client outbound packet queue.
// Deliveries to a client that cannot drain its queue are dropped so a
// slow subscriber never stalls the dispatcher.
const outboundQueueSize = 128

// serverClient is the server-side state of one connected client.
type serverClient struct {
	server *Server
	conn   net.Conn

	clientID     string
	cleanSession bool
	session      Session

	qos1 *QoS1Tracker
	qos2 *QoS2Tracker

	outbound  chan Packet
	writeDone chan struct{}

	// teardownDone is closed once teardown has finished all session
	// cleanup. A reconnect for the same client ID waits on it before
	// resuming the session.
	teardownDone chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	mu       sync.Mutex
	graceful bool
}

func newServerClient(srv *Server, conn net.Conn, clientID string, cleanSession bool) *serverClient {
	return &serverClient{
		server:       srv,
		conn:         conn,
		clientID:     clientID,
		cleanSession: cleanSession,
		qos1:         NewQoS1Tracker(srv.config.retryInterval, srv.config.maxRetries),
		qos2:         NewQoS2Tracker(srv.config.retryInterval, srv.config.maxRetries),
		outbound:     make(chan Packet, outboundQueueSize),
		writeDone:    make(chan struct{}),
		teardownDone: make(chan struct{}),
		closed:       make(chan struct{}),
	}
}

// writeLoop is the only goroutine writing to the connection. It drains
// the outbound queue until the client closes.
func (c *serverClient) writeLoop() {
	defer close(c.writeDone)

	for {
		select {
		case pkt := <-c.outbound:
			if _, err := WritePacket(c.conn, pkt, c.server.config.maxPacketSize); err != nil {
				c.server.config.logger.Debug("write failed", LogFields{
					"client_id": c.clientID,
					"error":     err.Error(),
				})
				c.close()
				return
			}
			c.server.config.metrics.PacketSent(pkt.Type())
		case <-c.closed:
			return
		}
	}
}

// send queues a packet for delivery. Returns false if the queue is
// full or the client is closed.
func (c *serverClient) send(pkt Packet) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.outbound <- pkt:
		return true
	case <-c.closed:
		return false
	default:
		c.server.config.metrics.MessageDropped("queue_full")
		return false
	}
}

// sendPublish tracks a QoS 1 or 2 PUBLISH before queuing it, so the
// retry loop can retransmit it until acknowledged. The in-flight entry
// is also persisted to the session for delivery across reconnects.
func (c *serverClient) sendPublish(pkt *PublishPacket) bool {
	switch pkt.QoS {
	case QoS1:
		if err := c.qos1.Track(pkt); err != nil {
			return false
		}
	case QoS2:
		if err := c.qos2.Track(pkt); err != nil {
			return false
		}
	}

	if pkt.QoS > QoS0 && c.session != nil {
		c.session.AddInflight(InflightMessage{
			PacketID:  pkt.PacketID,
			Message:   pkt.ToMessage(),
			Direction: InflightOutbound,
			State:     InflightAwaitingAck,
		})
	}

	if !c.send(pkt) {
		// Roll back tracking so the ID can be reused.
		switch pkt.QoS {
		case QoS1:
			c.qos1.Ack(pkt.PacketID) //nolint:errcheck
		case QoS2:
			c.qos2.HandlePubcomp(pkt.PacketID) //nolint:errcheck
		}
		if pkt.QoS > QoS0 && c.session != nil {
			c.session.RemoveInflight(pkt.PacketID)
		}
		return false
	}

	return true
}

// abandonDeliveries releases the session state of deliveries whose
// retries are exhausted, freeing their packet IDs for reuse.
func (c *serverClient) abandonDeliveries(ids []uint16) {
	for _, id := range ids {
		c.session.RemoveInflight(id)
		c.server.config.metrics.MessageDropped("retry_exhausted")
		c.server.config.logger.Warn("delivery abandoned", LogFields{
			"client_id": c.clientID,
			"packet_id": id,
		})
	}
}

// markGraceful records that the client sent DISCONNECT.
func (c *serverClient) markGraceful() {
	c.mu.Lock()
	c.graceful = true
	c.mu.Unlock()
}

func (c *serverClient) isGraceful() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graceful
}

// close shuts the connection down once. Safe to call from any
// goroutine.
func (c *serverClient) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}
