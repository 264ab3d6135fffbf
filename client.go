package mqtt311

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// MessageHandler receives messages delivered to a subscription.
// Handlers run on the client's read goroutine; long-running work
// should be handed off.
type MessageHandler func(msg Message)

// Client is an MQTT 3.1.1 client.
type Client struct {
	config clientConfig
	conn   net.Conn

	packetIDs *PacketIDManager
	qos1      *QoS1Tracker
	qos2      *QoS2Tracker
	recv      *QoS2Tracker

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint16]chan Packet

	subsMu sync.RWMutex
	subs   []clientSubscription

	sessionPresent bool

	lastSentMu sync.Mutex
	lastSent   time.Time

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	wg        sync.WaitGroup
}

type clientSubscription struct {
	filter  string
	qos     byte
	handler MessageHandler
}

// Dial connects to a broker and completes the CONNECT handshake.
func Dial(address string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), address, opts...)
}

// DialContext connects to a broker and completes the CONNECT
// handshake, honoring the context's deadline and cancellation.
func DialContext(ctx context.Context, address string, opts ...Option) (*Client, error) {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.clientID == "" && !cfg.cleanSession {
		return nil, ErrClientIDRequired
	}

	conn, err := cfg.dialer.DialContext(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	c := &Client{
		config:    cfg,
		conn:      conn,
		packetIDs: NewPacketIDManager(),
		qos1:      NewQoS1Tracker(cfg.retryInterval, cfg.maxRetries),
		qos2:      NewQoS2Tracker(cfg.retryInterval, cfg.maxRetries),
		recv:      NewQoS2Tracker(cfg.retryInterval, cfg.maxRetries),
		pending:   make(map[uint16]chan Packet),
		closed:    make(chan struct{}),
		lastSent:  time.Now(),
	}

	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	c.wg.Add(1)
	go c.readLoop()

	if cfg.keepAlive > 0 {
		c.wg.Add(1)
		go c.keepAliveLoop()
	}

	c.wg.Add(1)
	go c.retryLoop()

	return c, nil
}

func (c *Client) handshake() error {
	connect := &ConnectPacket{
		ClientID:     c.config.clientID,
		CleanSession: c.config.cleanSession,
		KeepAlive:    c.config.keepAlive,
		Username:     c.config.username,
		Password:     c.config.password,
	}

	if will := c.config.will; will != nil {
		connect.WillFlag = true
		connect.WillTopic = will.Topic
		connect.WillPayload = will.Payload
		connect.WillQoS = will.QoS
		connect.WillRetain = will.Retain
	}

	deadline := time.Now().Add(c.config.connectTimeout)
	c.conn.SetDeadline(deadline) //nolint:errcheck
	defer c.conn.SetDeadline(time.Time{})

	if _, err := WritePacket(c.conn, connect, c.config.maxPacketSize); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	pkt, _, err := ReadPacket(c.conn, c.config.maxPacketSize)
	if err != nil {
		return fmt.Errorf("read connack: %w", err)
	}

	connack, ok := pkt.(*ConnackPacket)
	if !ok {
		return fmt.Errorf("%w: expected CONNACK, got %s", ErrUnexpectedPacket, pkt.Type())
	}

	if connack.ReturnCode != ConnectionAccepted {
		return &ConnectionRefusedError{Code: connack.ReturnCode}
	}

	c.sessionPresent = connack.SessionPresent
	return nil
}

// SessionPresent reports whether the server resumed a previous
// session during the handshake.
func (c *Client) SessionPresent() bool {
	return c.sessionPresent
}

// Publish sends a message. For QoS 1 and 2 it blocks until the
// exchange completes, the context is canceled, or the ack timeout
// elapses.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if qos > QoS2 {
		return ErrInvalidQoS
	}

	pkt := &PublishPacket{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}

	if qos == QoS0 {
		return c.write(pkt)
	}

	id, err := c.packetIDs.Acquire()
	if err != nil {
		return err
	}
	pkt.PacketID = id

	switch qos {
	case QoS1:
		return c.publishQoS1(ctx, pkt)
	default:
		return c.publishQoS2(ctx, pkt)
	}
}

func (c *Client) publishQoS1(ctx context.Context, pkt *PublishPacket) error {
	ack := c.register(pkt.PacketID)
	defer c.unregister(pkt.PacketID)

	if err := c.qos1.Track(pkt); err != nil {
		c.packetIDs.Release(pkt.PacketID)
		return err
	}

	if err := c.write(pkt); err != nil {
		c.qos1.Ack(pkt.PacketID) //nolint:errcheck
		c.packetIDs.Release(pkt.PacketID)
		return err
	}

	_, err := c.await(ctx, ack)
	c.qos1.Ack(pkt.PacketID) //nolint:errcheck
	c.packetIDs.Release(pkt.PacketID)
	return err
}

func (c *Client) publishQoS2(ctx context.Context, pkt *PublishPacket) error {
	ack := c.register(pkt.PacketID)
	defer c.unregister(pkt.PacketID)

	if err := c.qos2.Track(pkt); err != nil {
		c.packetIDs.Release(pkt.PacketID)
		return err
	}

	release := func(err error) error {
		c.qos2.HandlePubcomp(pkt.PacketID) //nolint:errcheck
		c.packetIDs.Release(pkt.PacketID)
		return err
	}

	if err := c.write(pkt); err != nil {
		return release(err)
	}

	// PUBLISH -> PUBREC
	resp, err := c.await(ctx, ack)
	if err != nil {
		return release(err)
	}
	if _, ok := resp.(*PubrecPacket); !ok {
		return release(fmt.Errorf("%w: expected PUBREC, got %s", ErrUnexpectedPacket, resp.Type()))
	}

	c.qos2.HandlePubrec(pkt.PacketID) //nolint:errcheck

	// PUBREL -> PUBCOMP
	if err := c.write(&PubrelPacket{PacketID: pkt.PacketID}); err != nil {
		return release(err)
	}

	resp, err = c.await(ctx, ack)
	if err != nil {
		return release(err)
	}
	if _, ok := resp.(*PubcompPacket); !ok {
		return release(fmt.Errorf("%w: expected PUBCOMP, got %s", ErrUnexpectedPacket, resp.Type()))
	}

	return release(nil)
}

// Subscribe subscribes to a topic filter and registers a handler for
// matching messages. The returned QoS is the level granted by the
// server, which may be lower than requested.
func (c *Client) Subscribe(ctx context.Context, filter string, qos byte, handler MessageHandler) (byte, error) {
	if err := ValidateTopicFilter(filter); err != nil {
		return 0, err
	}
	if qos > QoS2 {
		return 0, ErrInvalidQoS
	}

	id, err := c.packetIDs.Acquire()
	if err != nil {
		return 0, err
	}
	defer c.packetIDs.Release(id)

	ack := c.register(id)
	defer c.unregister(id)

	pkt := &SubscribePacket{
		PacketID: id,
		Subscriptions: []Subscription{
			{TopicFilter: filter, QoS: qos},
		},
	}

	// Retained messages for the filter arrive right after the SUBACK,
	// so the handler must be registered before the SUBSCRIBE goes out
	// or the read loop dispatches them with no subscription in place.
	prev, hadPrev := c.setSubscription(clientSubscription{filter: filter, qos: qos, handler: handler})
	rollback := func() {
		if hadPrev {
			c.setSubscription(prev)
		} else {
			c.removeSubscription(filter)
		}
	}

	if err := c.write(pkt); err != nil {
		rollback()
		return 0, err
	}

	resp, err := c.await(ctx, ack)
	if err != nil {
		rollback()
		return 0, err
	}

	suback, ok := resp.(*SubackPacket)
	if !ok {
		rollback()
		return 0, fmt.Errorf("%w: expected SUBACK, got %s", ErrUnexpectedPacket, resp.Type())
	}
	if len(suback.ReturnCodes) != 1 {
		rollback()
		return 0, fmt.Errorf("%w: SUBACK with %d return codes", ErrUnexpectedPacket, len(suback.ReturnCodes))
	}

	granted := suback.ReturnCodes[0]
	if granted == SubackFailure {
		rollback()
		return 0, ErrSubscribeFailed
	}

	c.setSubscription(clientSubscription{filter: filter, qos: granted, handler: handler})
	return granted, nil
}

// setSubscription installs or replaces the subscription for a filter
// and reports the entry it displaced.
func (c *Client) setSubscription(sub clientSubscription) (clientSubscription, bool) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for i := range c.subs {
		if c.subs[i].filter == sub.filter {
			prev := c.subs[i]
			c.subs[i] = sub
			return prev, true
		}
	}
	c.subs = append(c.subs, sub)
	return clientSubscription{}, false
}

func (c *Client) removeSubscription(filter string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for i := range c.subs {
		if c.subs[i].filter == filter {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(ctx context.Context, filter string) error {
	id, err := c.packetIDs.Acquire()
	if err != nil {
		return err
	}
	defer c.packetIDs.Release(id)

	ack := c.register(id)
	defer c.unregister(id)

	pkt := &UnsubscribePacket{
		PacketID:     id,
		TopicFilters: []string{filter},
	}

	if err := c.write(pkt); err != nil {
		return err
	}

	if _, err := c.await(ctx, ack); err != nil {
		return err
	}

	c.removeSubscription(filter)
	return nil
}

// Ping sends a PINGREQ. The response is consumed by the read loop.
func (c *Client) Ping() error {
	return c.write(&PingreqPacket{})
}

// Disconnect sends DISCONNECT and closes the connection. The server
// discards the will message on a graceful disconnect.
func (c *Client) Disconnect() error {
	err := c.write(&DisconnectPacket{})
	c.shutdown(nil)
	return err
}

// Close closes the connection without sending DISCONNECT.
// The server treats this as an ungraceful disconnect and publishes the
// will message, if any.
func (c *Client) Close() error {
	c.shutdown(ErrClientClosed)
	return nil
}

// Done is closed when the client stops, either by Disconnect, Close,
// or a connection failure.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Err returns the error that stopped the client, if any.
func (c *Client) Err() error {
	select {
	case <-c.closed:
		if errors.Is(c.closeErr, ErrClientClosed) {
			return nil
		}
		return c.closeErr
	default:
		return nil
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
		c.conn.Close()
	})
}

// write serializes packet writes and records send time for the
// keep-alive loop.
func (c *Client) write(pkt Packet) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := WritePacket(c.conn, pkt, c.config.maxPacketSize); err != nil {
		return err
	}

	c.lastSentMu.Lock()
	c.lastSent = time.Now()
	c.lastSentMu.Unlock()

	return nil
}

// register creates an ack channel for a packet ID.
func (c *Client) register(id uint16) chan Packet {
	ch := make(chan Packet, 2)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Client) unregister(id uint16) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// await waits for an acknowledgment, the context, the ack timeout, or
// client shutdown, whichever comes first.
func (c *Client) await(ctx context.Context, ack <-chan Packet) (Packet, error) {
	timer := time.NewTimer(c.config.ackTimeout)
	defer timer.Stop()

	select {
	case pkt := <-ack:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrAckTimeout
	case <-c.closed:
		return nil, ErrClientClosed
	}
}

// deliver routes an acknowledgment to its waiting operation.
func (c *Client) deliver(id uint16, pkt Packet) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	c.pendingMu.Unlock()

	if ok {
		select {
		case ch <- pkt:
		default:
		}
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		pkt, _, err := ReadPacket(c.conn, c.config.maxPacketSize)
		if err != nil {
			select {
			case <-c.closed:
			default:
				if !errors.Is(err, io.EOF) {
					c.config.logger.Debug("read failed", LogFields{"error": err.Error()})
				}
			}
			c.shutdown(err)
			return
		}

		switch p := pkt.(type) {
		case *PublishPacket:
			c.handleIncomingPublish(p)
		case *PubackPacket:
			c.deliver(p.PacketID, p)
		case *PubrecPacket:
			c.deliver(p.PacketID, p)
		case *PubrelPacket:
			c.recv.HandlePubrel(p.PacketID)
			c.write(&PubcompPacket{PacketID: p.PacketID}) //nolint:errcheck
		case *PubcompPacket:
			c.deliver(p.PacketID, p)
		case *SubackPacket:
			c.deliver(p.PacketID, p)
		case *UnsubackPacket:
			c.deliver(p.PacketID, p)
		case *PingrespPacket:
			// Activity already observed by the successful read.
		default:
			c.config.logger.Warn("unexpected packet", LogFields{"packet": pkt.Type().String()})
		}
	}
}

func (c *Client) handleIncomingPublish(pkt *PublishPacket) {
	switch pkt.QoS {
	case QoS0:
		c.dispatch(pkt.ToMessage())

	case QoS1:
		c.dispatch(pkt.ToMessage())
		c.write(&PubackPacket{PacketID: pkt.PacketID}) //nolint:errcheck

	case QoS2:
		if c.recv.Receive(pkt.PacketID) {
			c.dispatch(pkt.ToMessage())
		}
		c.write(&PubrecPacket{PacketID: pkt.PacketID}) //nolint:errcheck
	}
}

// dispatch invokes the handler of every registered subscription whose
// filter matches the message topic.
func (c *Client) dispatch(msg Message) {
	c.subsMu.RLock()
	handlers := make([]MessageHandler, 0, 1)
	for _, sub := range c.subs {
		if TopicMatch(sub.filter, msg.Topic) {
			handlers = append(handlers, sub.handler)
		}
	}
	c.subsMu.RUnlock()

	if len(handlers) == 0 && c.config.defaultHandler != nil {
		c.config.defaultHandler(msg)
		return
	}

	for _, handler := range handlers {
		if handler != nil {
			handler(msg)
		}
	}
}

// abandonDeliveries logs exchanges dropped after exhausting their
// retries. The awaiting Publish call still owns the packet ID and
// releases it when its ack timeout fires.
func (c *Client) abandonDeliveries(ids []uint16) {
	for _, id := range ids {
		c.config.logger.Warn("delivery abandoned", LogFields{"packet_id": id})
	}
}

// keepAliveLoop sends PINGREQ when no packet has been sent for half
// the keep-alive interval.
func (c *Client) keepAliveLoop() {
	defer c.wg.Done()

	interval := time.Duration(c.config.keepAlive) * time.Second / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.lastSentMu.Lock()
			idle := time.Since(c.lastSent)
			c.lastSentMu.Unlock()

			if idle >= interval {
				if err := c.Ping(); err != nil {
					c.shutdown(err)
					return
				}
			}
		case <-c.closed:
			return
		}
	}
}

// retryLoop retransmits unacknowledged QoS 1 and QoS 2 packets.
func (c *Client) retryLoop() {
	defer c.wg.Done()

	interval := c.config.retryInterval / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			retries, expired := c.qos1.GetPendingRetries()
			for _, pkt := range retries {
				c.write(pkt) //nolint:errcheck
			}
			c.abandonDeliveries(expired)

			publishes, pubrels, expired := c.qos2.GetPendingRetries()
			for _, pkt := range publishes {
				c.write(pkt) //nolint:errcheck
			}
			for _, id := range pubrels {
				c.write(&PubrelPacket{PacketID: id}) //nolint:errcheck
			}
			c.abandonDeliveries(expired)

			c.recv.CleanupExpired()
		case <-c.closed:
			return
		}
	}
}
