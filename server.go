package mqtt311

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrServerClosed = errors.New("server closed")
	ErrNoListeners  = errors.New("server has no listeners")
)

// connectTimeout bounds how long a new connection may take to send its
// CONNECT packet.
const connectTimeout = 10 * time.Second

// generateClientID assigns an identifier to clients connecting with a
// zero-byte client ID and CleanSession set.
func generateClientID() string {
	buf := make([]byte, 8)
	rand.Read(buf) //nolint:errcheck
	return "auto-" + hex.EncodeToString(buf)
}

// Server is an MQTT 3.1.1 broker.
type Server struct {
	config serverConfig

	subscriptions *SubscriptionManager
	keepAlive     *KeepAliveManager
	wills         *WillManager
	pool          *WorkerPool

	mu      sync.RWMutex
	clients map[string]*serverClient

	connCount atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer creates a broker with the given options.
func NewServer(opts ...ServerOption) *Server {
	cfg := defaultServerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Server{
		config:        cfg,
		subscriptions: NewSubscriptionManager(),
		keepAlive:     NewKeepAliveManager(),
		wills:         NewWillManager(),
		pool:          NewWorkerPool(cfg.workers),
		clients:       make(map[string]*serverClient),
		done:          make(chan struct{}),
	}
}

// Serve accepts connections on all configured listeners and blocks
// until Close is called. Connection handling runs on the worker pool,
// so a full pool applies backpressure to the accept loops.
func (s *Server) Serve() error {
	if len(s.config.listeners) == 0 {
		return ErrNoListeners
	}

	s.wg.Add(1)
	go s.keepAliveLoop()

	s.wg.Add(1)
	go s.retryLoop()

	var acceptWG sync.WaitGroup
	for _, l := range s.config.listeners {
		acceptWG.Add(1)
		go func(l Listener) {
			defer acceptWG.Done()
			s.acceptLoop(l)
		}(l)
	}

	acceptWG.Wait()

	select {
	case <-s.done:
		return ErrServerClosed
	default:
		return nil
	}
}

func (s *Server) acceptLoop(l Listener) {
	for {
		if s.config.acceptLimiter != nil {
			if err := s.config.acceptLimiter.Wait(context.Background()); err != nil {
				return
			}
		}

		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}

			s.config.logger.Warn("accept failed", LogFields{"error": err.Error()})

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return
		}

		if s.config.maxConnections > 0 && int(s.connCount.Load()) >= s.config.maxConnections {
			s.refuse(conn, ErrCodeServerUnavailable)
			continue
		}

		if err := s.pool.Submit(func() { s.handleConnection(conn) }); err != nil {
			conn.Close()
			return
		}
	}
}

// refuse sends a CONNACK with the given return code and closes the
// connection.
func (s *Server) refuse(conn net.Conn, code ConnectReturnCode) {
	connack := &ConnackPacket{ReturnCode: code}
	conn.SetWriteDeadline(time.Now().Add(connectTimeout)) //nolint:errcheck
	WritePacket(conn, connack, 0)                         //nolint:errcheck
	conn.Close()
	s.config.metrics.ConnectionRejected(code)
}

// handleConnection runs the CONNECT handshake and then the packet loop
// for one client connection.
func (s *Server) handleConnection(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(connectTimeout)) //nolint:errcheck

	pkt, _, err := ReadPacket(conn, s.config.maxPacketSize)
	if err != nil {
		conn.Close()
		return
	}

	connect, ok := pkt.(*ConnectPacket)
	if !ok {
		// First packet must be CONNECT.
		conn.Close()
		return
	}

	if err := connect.Validate(); err != nil {
		switch {
		case errors.Is(err, ErrInvalidProtocolName), errors.Is(err, ErrInvalidProtocolLevel):
			s.refuse(conn, ErrCodeUnacceptableProtocol)
		case errors.Is(err, ErrClientIDRequired), errors.Is(err, ErrClientIDTooLong):
			s.refuse(conn, ErrCodeIdentifierRejected)
		default:
			conn.Close()
		}
		return
	}

	clientID := connect.ClientID
	if clientID == "" {
		// Zero-byte client ID with CleanSession requires the server to
		// assign one.
		clientID = generateClientID()
	}

	if s.config.authenticator != nil {
		authCtx := AuthContext{
			ClientID:   clientID,
			Username:   connect.Username,
			Password:   connect.Password,
			RemoteAddr: conn.RemoteAddr().String(),
		}
		if err := s.config.authenticator.Authenticate(authCtx); err != nil {
			s.config.logger.Info("authentication failed", LogFields{
				"client_id": clientID,
				"username":  connect.Username,
			})
			s.refuse(conn, ErrCodeBadCredentials)
			return
		}
	}

	client := newServerClient(s, conn, clientID, connect.CleanSession)

	// Claim the client ID. An existing connection with the same ID is
	// disconnected in favor of the new one (its teardown publishes the
	// will, the displacement counts as ungraceful). Waiting for the
	// displaced connection's teardown serializes session cleanup with
	// the resume below, so a quick reconnect never observes a session
	// that a clean-session teardown is still discarding.
	for {
		s.mu.Lock()
		old, exists := s.clients[clientID]
		if !exists {
			s.clients[clientID] = client
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()

		old.close()
		<-old.teardownDone
	}

	session, sessionPresent, err := s.resumeSession(clientID, connect.CleanSession)
	if err != nil {
		s.releaseClientID(client)
		s.refuse(conn, ErrCodeServerUnavailable)
		return
	}
	client.session = session

	s.connCount.Add(1)
	s.config.metrics.ConnectionOpened()

	s.keepAlive.Register(clientID, connect.KeepAlive)
	s.wills.Register(clientID, willFromConnect(connect))

	go client.writeLoop()

	connack := &ConnackPacket{
		SessionPresent: sessionPresent,
		ReturnCode:     ConnectionAccepted,
	}
	if !client.send(connack) {
		s.teardown(client)
		return
	}

	s.config.logger.Info("client connected", LogFields{
		"client_id":       clientID,
		"clean_session":   connect.CleanSession,
		"session_present": sessionPresent,
		"keep_alive":      connect.KeepAlive,
		"remote_addr":     conn.RemoteAddr().String(),
	})

	if s.config.onConnect != nil {
		s.config.onConnect(clientID)
	}

	if sessionPresent {
		s.restoreSessionState(client)
	}

	conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	s.clientLoop(client)
	s.teardown(client)
}

// releaseClientID abandons a claimed client ID before the connection
// was fully established.
func (s *Server) releaseClientID(c *serverClient) {
	s.mu.Lock()
	if s.clients[c.clientID] == c {
		delete(s.clients, c.clientID)
	}
	s.mu.Unlock()
	close(c.teardownDone)
}

// resumeSession finds or creates the session for a client.
// CleanSession discards any stored session and starts fresh.
func (s *Server) resumeSession(clientID string, cleanSession bool) (Session, bool, error) {
	store := s.config.sessionStore

	if cleanSession {
		store.Delete(clientID) //nolint:errcheck
		s.subscriptions.UnsubscribeAll(clientID)

		session, err := store.Create(clientID)
		if err != nil {
			return nil, false, err
		}
		return session, false, nil
	}

	session, err := store.Get(clientID)
	if err == nil {
		return session, true, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, false, err
	}

	session, err = store.Create(clientID)
	if err != nil {
		return nil, false, err
	}
	return session, false, nil
}

// restoreSessionState re-registers stored subscriptions, retransmits
// unacknowledged messages, and flushes the offline queue.
func (s *Server) restoreSessionState(c *serverClient) {
	for filter, qos := range c.session.Subscriptions() {
		s.subscriptions.Subscribe(c.clientID, filter, qos) //nolint:errcheck
	}

	for _, inflight := range c.session.Inflight() {
		if inflight.Direction == InflightInbound {
			// Half-finished inbound QoS 2 exchange: the message was
			// already routed, only the dedup state is restored.
			c.qos2.RestoreReceived(inflight.PacketID)
			continue
		}

		pkt := &PublishPacket{}
		pkt.FromMessage(inflight.Message)
		pkt.PacketID = inflight.PacketID
		pkt.DUP = true
		c.sendPublish(pkt)
	}

	for _, queued := range c.session.DrainQueue() {
		s.deliverTo(c, queued.Message, queued.QoS)
	}
}

// clientLoop reads and dispatches packets until the connection ends.
func (s *Server) clientLoop(c *serverClient) {
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		pkt, _, err := ReadPacket(c.conn, s.config.maxPacketSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.config.logger.Debug("read failed", LogFields{
					"client_id": c.clientID,
					"error":     err.Error(),
				})
			}
			return
		}

		s.keepAlive.UpdateActivity(c.clientID)
		c.session.Touch()
		s.config.metrics.PacketReceived(pkt.Type())

		if err := s.handlePacket(c, pkt); err != nil {
			s.config.logger.Warn("protocol violation", LogFields{
				"client_id": c.clientID,
				"packet":    pkt.Type().String(),
				"error":     err.Error(),
			})
			return
		}

		if c.isGraceful() {
			return
		}
	}
}

func (s *Server) handlePacket(c *serverClient, pkt Packet) error {
	switch p := pkt.(type) {
	case *PublishPacket:
		return s.handlePublish(c, p)
	case *PubackPacket:
		return s.handlePuback(c, p)
	case *PubrecPacket:
		return s.handlePubrec(c, p)
	case *PubrelPacket:
		return s.handlePubrel(c, p)
	case *PubcompPacket:
		return s.handlePubcomp(c, p)
	case *SubscribePacket:
		return s.handleSubscribe(c, p)
	case *UnsubscribePacket:
		return s.handleUnsubscribe(c, p)
	case *PingreqPacket:
		c.send(&PingrespPacket{})
		return nil
	case *DisconnectPacket:
		c.markGraceful()
		return nil
	case *ConnectPacket:
		// A second CONNECT on an open connection is a protocol violation.
		return ErrProtocolViolation
	default:
		return ErrProtocolViolation
	}
}

func (s *Server) handlePublish(c *serverClient, pkt *PublishPacket) error {
	if err := pkt.Validate(); err != nil {
		return err
	}

	msg := pkt.ToMessage()
	s.config.metrics.MessagePublished(pkt.QoS)

	if s.config.onPublish != nil {
		s.config.onPublish(c.clientID, msg)
	}

	switch pkt.QoS {
	case QoS0:
		s.processMessage(msg)

	case QoS1:
		// At-least-once: route then acknowledge. A redelivered DUP
		// message routes again, duplicates are permitted at QoS 1.
		s.processMessage(msg)
		c.send(&PubackPacket{PacketID: pkt.PacketID})

	case QoS2:
		// Exactly-once: route only the first arrival of this packet ID.
		// The exchange is persisted to the session so a persistent
		// client reconnecting mid-exchange is still deduplicated.
		if c.qos2.Receive(pkt.PacketID) {
			s.processMessage(msg)
			c.session.AddInflight(InflightMessage{
				PacketID:  pkt.PacketID,
				Message:   msg,
				Direction: InflightInbound,
				State:     InflightAwaitingRel,
			})
		}
		c.send(&PubrecPacket{PacketID: pkt.PacketID})
	}

	return nil
}

// processMessage updates retained state and routes a message to
// matching subscribers.
func (s *Server) processMessage(msg Message) {
	if msg.Retain {
		if err := s.config.retainedStore.Set(msg); err != nil {
			s.config.logger.Warn("retained store failed", LogFields{
				"topic": msg.Topic,
				"error": err.Error(),
			})
		}
		s.config.metrics.RetainedMessages(s.config.retainedStore.Count())
	}

	// Everything is routed, including an empty retained payload that
	// just cleared its stored entry. The retain flag is not propagated
	// on normal forwarding.
	fwd := msg
	fwd.Retain = false
	fwd.Dup = false

	s.route(fwd)
}

// route delivers a message to every matching subscriber, online or
// offline.
func (s *Server) route(msg Message) {
	for _, sub := range s.subscriptions.MatchForDelivery(msg.Topic) {
		qos := msg.QoS
		if sub.QoS < qos {
			qos = sub.QoS
		}

		s.mu.RLock()
		client, online := s.clients[sub.ClientID]
		s.mu.RUnlock()

		if online {
			s.deliverTo(client, msg, qos)
			continue
		}

		// Persistent session, client offline: queue for later.
		session, err := s.config.sessionStore.Get(sub.ClientID)
		if err != nil {
			s.config.metrics.MessageDropped("no_session")
			continue
		}
		session.QueueMessage(msg, qos)
	}
}

// deliverTo sends one copy of a message to a connected client at the
// given delivery QoS.
func (s *Server) deliverTo(c *serverClient, msg Message, qos byte) {
	pkt := &PublishPacket{}
	pkt.FromMessage(msg)
	pkt.QoS = qos
	pkt.DUP = false

	if qos > QoS0 {
		id, err := c.session.NextPacketID()
		if err != nil {
			s.config.metrics.MessageDropped("no_packet_id")
			return
		}
		pkt.PacketID = id
	}

	if c.sendPublish(pkt) {
		s.config.metrics.MessageDelivered(qos)
	}
}

func (s *Server) handlePuback(c *serverClient, pkt *PubackPacket) error {
	if err := c.qos1.Ack(pkt.PacketID); err != nil {
		// Unknown ID, likely a late ack after a retry drop.
		return nil
	}
	c.session.RemoveInflight(pkt.PacketID)
	return nil
}

func (s *Server) handlePubrec(c *serverClient, pkt *PubrecPacket) error {
	if err := c.qos2.HandlePubrec(pkt.PacketID); err != nil {
		return nil
	}

	if inflight, ok := c.session.GetInflight(pkt.PacketID); ok {
		inflight.State = InflightAwaitingComp
		c.session.UpdateInflight(inflight)
	}

	c.send(&PubrelPacket{PacketID: pkt.PacketID})
	return nil
}

func (s *Server) handlePubrel(c *serverClient, pkt *PubrelPacket) error {
	if c.qos2.HandlePubrel(pkt.PacketID) {
		if inflight, ok := c.session.GetInflight(pkt.PacketID); ok && inflight.Direction == InflightInbound {
			c.session.RemoveInflight(pkt.PacketID)
		}
	}
	c.send(&PubcompPacket{PacketID: pkt.PacketID})
	return nil
}

func (s *Server) handlePubcomp(c *serverClient, pkt *PubcompPacket) error {
	if err := c.qos2.HandlePubcomp(pkt.PacketID); err != nil {
		return nil
	}
	c.session.RemoveInflight(pkt.PacketID)
	return nil
}

func (s *Server) handleSubscribe(c *serverClient, pkt *SubscribePacket) error {
	if len(pkt.Subscriptions) == 0 {
		return ErrProtocolViolation
	}

	codes := make([]byte, 0, len(pkt.Subscriptions))
	granted := make([]Subscription, 0, len(pkt.Subscriptions))

	for _, sub := range pkt.Subscriptions {
		qos := sub.QoS
		if qos > s.config.maxQoS {
			qos = s.config.maxQoS
		}

		if err := s.subscriptions.Subscribe(c.clientID, sub.TopicFilter, qos); err != nil {
			codes = append(codes, SubackFailure)
			continue
		}

		c.session.AddSubscription(sub.TopicFilter, qos)
		codes = append(codes, qos)
		granted = append(granted, Subscription{TopicFilter: sub.TopicFilter, QoS: qos})
	}

	s.config.metrics.ActiveSubscriptions(s.subscriptions.Count())

	c.send(&SubackPacket{
		PacketID:    pkt.PacketID,
		ReturnCodes: codes,
	})

	// Retained messages matching each new filter are delivered after
	// the SUBACK, with the retain flag set.
	for _, sub := range granted {
		for _, retained := range s.config.retainedStore.Match(sub.TopicFilter) {
			qos := retained.QoS
			if sub.QoS < qos {
				qos = sub.QoS
			}

			msg := retained
			msg.Retain = true
			s.deliverTo(c, msg, qos)
		}
	}

	return nil
}

func (s *Server) handleUnsubscribe(c *serverClient, pkt *UnsubscribePacket) error {
	for _, filter := range pkt.TopicFilters {
		s.subscriptions.Unsubscribe(c.clientID, filter)
		c.session.RemoveSubscription(filter)
	}

	s.config.metrics.ActiveSubscriptions(s.subscriptions.Count())

	c.send(&UnsubackPacket{PacketID: pkt.PacketID})
	return nil
}

// teardown cleans up after a client connection ends. An ungraceful end
// publishes the client's will.
func (s *Server) teardown(c *serverClient) {
	c.close()
	<-c.writeDone

	s.connCount.Add(-1)
	s.config.metrics.ConnectionClosed()

	graceful := c.isGraceful()

	s.keepAlive.Unregister(c.clientID)

	if graceful {
		s.wills.Discard(c.clientID)
	} else if will := s.wills.Take(c.clientID); will != nil {
		s.config.logger.Info("publishing will", LogFields{
			"client_id": c.clientID,
			"topic":     will.Topic,
		})
		s.processMessage(will.ToMessage())
	}

	if c.cleanSession {
		s.subscriptions.UnsubscribeAll(c.clientID)
		s.config.sessionStore.Delete(c.clientID) //nolint:errcheck
	}

	// The map entry is removed only after session cleanup so that a
	// reconnect holding this client ID resumes against a settled
	// store. Reconnects wait on teardownDone.
	s.mu.Lock()
	if s.clients[c.clientID] == c {
		delete(s.clients, c.clientID)
	}
	s.mu.Unlock()
	close(c.teardownDone)

	s.config.logger.Info("client disconnected", LogFields{
		"client_id": c.clientID,
		"graceful":  graceful,
	})

	if s.config.onDisconnect != nil {
		s.config.onDisconnect(c.clientID, graceful)
	}
}

// keepAliveLoop disconnects clients that have gone silent past their
// keep-alive deadline.
func (s *Server) keepAliveLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, clientID := range s.keepAlive.GetExpiredClients() {
				s.mu.RLock()
				client, ok := s.clients[clientID]
				s.mu.RUnlock()
				if !ok {
					s.keepAlive.Unregister(clientID)
					continue
				}

				s.config.logger.Info("keep-alive expired", LogFields{
					"client_id": clientID,
				})
				// Closing without DISCONNECT triggers the will.
				client.close()
			}
		case <-s.done:
			return
		}
	}
}

// retryLoop retransmits unacknowledged QoS 1 and QoS 2 messages and
// expires stale receiver-side state.
func (s *Server) retryLoop() {
	defer s.wg.Done()

	interval := s.config.retryInterval / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.RLock()
			clients := make([]*serverClient, 0, len(s.clients))
			for _, c := range s.clients {
				clients = append(clients, c)
			}
			s.mu.RUnlock()

			for _, c := range clients {
				retries, expired := c.qos1.GetPendingRetries()
				for _, pkt := range retries {
					c.send(pkt)
				}
				c.abandonDeliveries(expired)

				publishes, pubrels, expired := c.qos2.GetPendingRetries()
				for _, pkt := range publishes {
					c.send(pkt)
				}
				for _, id := range pubrels {
					c.send(&PubrelPacket{PacketID: id})
				}
				c.abandonDeliveries(expired)

				c.qos2.CleanupExpired()
			}
		case <-s.done:
			return
		}
	}
}

// Close stops the server, closing all listeners and client
// connections.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		for _, l := range s.config.listeners {
			l.Close() //nolint:errcheck
		}

		s.mu.RLock()
		clients := make([]*serverClient, 0, len(s.clients))
		for _, c := range s.clients {
			clients = append(clients, c)
		}
		s.mu.RUnlock()

		for _, c := range clients {
			c.close()
		}

		s.pool.Shutdown()
		s.wg.Wait()
	})
	return nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
