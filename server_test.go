package mqtt311

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T, opts ...ServerOption) (*Server, string) {
	t.Helper()

	listener, err := NewTCPListener("127.0.0.1:0")
	require.NoError(t, err)

	opts = append([]ServerOption{WithListener(listener)}, opts...)
	srv := NewServer(opts...)

	go srv.Serve() //nolint:errcheck
	t.Cleanup(func() { srv.Close() })

	return srv, listener.Addr().String()
}

func waitForMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()

	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestServerConnectDisconnect(t *testing.T) {
	srv, addr := startBroker(t)

	client, err := Dial(addr, WithClientID("c1"))
	require.NoError(t, err)
	assert.False(t, client.SessionPresent())

	require.Eventually(t, func() bool {
		return srv.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, client.Disconnect())

	require.Eventually(t, func() bool {
		return srv.ClientCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestServerPublishSubscribe(t *testing.T) {
	qosLevels := []byte{QoS0, QoS1, QoS2}

	for _, qos := range qosLevels {
		t.Run(fmt.Sprintf("QoS%d", qos), func(t *testing.T) {
			_, addr := startBroker(t)

			received := make(chan Message, 1)

			sub, err := Dial(addr, WithClientID("sub"))
			require.NoError(t, err)
			defer sub.Disconnect() //nolint:errcheck

			granted, err := sub.Subscribe(context.Background(), "test/topic", qos, func(msg Message) {
				received <- msg
			})
			require.NoError(t, err)
			assert.Equal(t, qos, granted)

			pub, err := Dial(addr, WithClientID("pub"))
			require.NoError(t, err)
			defer pub.Disconnect() //nolint:errcheck

			err = pub.Publish(context.Background(), "test/topic", []byte("hello"), qos, false)
			require.NoError(t, err)

			msg := waitForMessage(t, received)
			assert.Equal(t, "test/topic", msg.Topic)
			assert.Equal(t, []byte("hello"), msg.Payload)
			assert.Equal(t, qos, msg.QoS)
		})
	}
}

func TestServerWildcardDelivery(t *testing.T) {
	_, addr := startBroker(t)

	received := make(chan Message, 4)

	sub, err := Dial(addr, WithClientID("sub"))
	require.NoError(t, err)
	defer sub.Disconnect() //nolint:errcheck

	_, err = sub.Subscribe(context.Background(), "sensors/+/temperature", QoS0, func(msg Message) {
		received <- msg
	})
	require.NoError(t, err)

	pub, err := Dial(addr, WithClientID("pub"))
	require.NoError(t, err)
	defer pub.Disconnect() //nolint:errcheck

	require.NoError(t, pub.Publish(context.Background(), "sensors/1/temperature", []byte("20"), QoS0, false))
	require.NoError(t, pub.Publish(context.Background(), "sensors/1/humidity", []byte("55"), QoS0, false))
	require.NoError(t, pub.Publish(context.Background(), "sensors/2/temperature", []byte("21"), QoS0, false))

	first := waitForMessage(t, received)
	second := waitForMessage(t, received)

	topics := []string{first.Topic, second.Topic}
	assert.ElementsMatch(t, []string{"sensors/1/temperature", "sensors/2/temperature"}, topics)

	select {
	case msg := <-received:
		t.Fatalf("unexpected delivery on %s", msg.Topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServerDeliveryQoSIsMinimum(t *testing.T) {
	_, addr := startBroker(t)

	received := make(chan Message, 1)

	sub, err := Dial(addr, WithClientID("sub"))
	require.NoError(t, err)
	defer sub.Disconnect() //nolint:errcheck

	// Subscription granted at QoS 1, publish at QoS 2.
	_, err = sub.Subscribe(context.Background(), "t", QoS1, func(msg Message) {
		received <- msg
	})
	require.NoError(t, err)

	pub, err := Dial(addr, WithClientID("pub"))
	require.NoError(t, err)
	defer pub.Disconnect() //nolint:errcheck

	require.NoError(t, pub.Publish(context.Background(), "t", []byte("x"), QoS2, false))

	msg := waitForMessage(t, received)
	assert.Equal(t, QoS1, msg.QoS)
}

func TestServerRetainedDelivery(t *testing.T) {
	_, addr := startBroker(t)

	pub, err := Dial(addr, WithClientID("pub"))
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), "config/a", []byte("v1"), QoS1, true))
	require.NoError(t, pub.Disconnect())

	received := make(chan Message, 1)

	sub, err := Dial(addr, WithClientID("sub"))
	require.NoError(t, err)
	defer sub.Disconnect() //nolint:errcheck

	_, err = sub.Subscribe(context.Background(), "config/+", QoS1, func(msg Message) {
		received <- msg
	})
	require.NoError(t, err)

	msg := waitForMessage(t, received)
	assert.Equal(t, "config/a", msg.Topic)
	assert.Equal(t, []byte("v1"), msg.Payload)
	assert.True(t, msg.Retain)
}

func TestServerRetainedClearedByEmptyPayload(t *testing.T) {
	srv, addr := startBroker(t)

	pub, err := Dial(addr, WithClientID("pub"))
	require.NoError(t, err)
	defer pub.Disconnect() //nolint:errcheck

	require.NoError(t, pub.Publish(context.Background(), "config/a", []byte("v1"), QoS1, true))
	require.NoError(t, pub.Publish(context.Background(), "config/a", nil, QoS1, true))

	require.Eventually(t, func() bool {
		return srv.config.retainedStore.Count() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestServerEmptyRetainedPayloadStillRoutes(t *testing.T) {
	srv, addr := startBroker(t)

	received := make(chan Message, 2)

	sub, err := Dial(addr, WithClientID("sub"))
	require.NoError(t, err)
	defer sub.Disconnect() //nolint:errcheck

	_, err = sub.Subscribe(context.Background(), "config/a", QoS1, func(msg Message) {
		received <- msg
	})
	require.NoError(t, err)

	pub, err := Dial(addr, WithClientID("pub"))
	require.NoError(t, err)
	defer pub.Disconnect() //nolint:errcheck

	require.NoError(t, pub.Publish(context.Background(), "config/a", []byte("v1"), QoS1, true))
	waitForMessage(t, received)

	// Clearing the retained entry is still routed to live subscribers.
	require.NoError(t, pub.Publish(context.Background(), "config/a", nil, QoS1, true))

	msg := waitForMessage(t, received)
	assert.Empty(t, msg.Payload)

	require.Eventually(t, func() bool {
		return srv.config.retainedStore.Count() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestServerWillOnUngracefulDisconnect(t *testing.T) {
	_, addr := startBroker(t)

	received := make(chan Message, 1)

	sub, err := Dial(addr, WithClientID("sub"))
	require.NoError(t, err)
	defer sub.Disconnect() //nolint:errcheck

	_, err = sub.Subscribe(context.Background(), "status/dying", QoS1, func(msg Message) {
		received <- msg
	})
	require.NoError(t, err)

	dying, err := Dial(addr,
		WithClientID("dying"),
		WithWill("status/dying", []byte("offline"), QoS1, false),
	)
	require.NoError(t, err)

	// Drop the connection without DISCONNECT.
	dying.Close() //nolint:errcheck

	msg := waitForMessage(t, received)
	assert.Equal(t, "status/dying", msg.Topic)
	assert.Equal(t, []byte("offline"), msg.Payload)
}

func TestServerNoWillOnGracefulDisconnect(t *testing.T) {
	_, addr := startBroker(t)

	received := make(chan Message, 1)

	sub, err := Dial(addr, WithClientID("sub"))
	require.NoError(t, err)
	defer sub.Disconnect() //nolint:errcheck

	_, err = sub.Subscribe(context.Background(), "status/polite", QoS0, func(msg Message) {
		received <- msg
	})
	require.NoError(t, err)

	polite, err := Dial(addr,
		WithClientID("polite"),
		WithWill("status/polite", []byte("offline"), QoS0, false),
	)
	require.NoError(t, err)
	require.NoError(t, polite.Disconnect())

	select {
	case <-received:
		t.Fatal("will published on graceful disconnect")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServerSessionPersistence(t *testing.T) {
	_, addr := startBroker(t)

	first, err := Dial(addr, WithClientID("durable"), WithCleanSession(false))
	require.NoError(t, err)
	assert.False(t, first.SessionPresent())

	_, err = first.Subscribe(context.Background(), "queue/test", QoS1, nil)
	require.NoError(t, err)
	require.NoError(t, first.Disconnect())

	// Publish while the durable client is offline.
	pub, err := Dial(addr, WithClientID("pub"))
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), "queue/test", []byte("missed"), QoS1, false))
	require.NoError(t, pub.Disconnect())

	received := make(chan Message, 1)

	second, err := Dial(addr,
		WithClientID("durable"),
		WithCleanSession(false),
		WithDefaultHandler(func(msg Message) {
			received <- msg
		}),
	)
	require.NoError(t, err)
	defer second.Disconnect() //nolint:errcheck

	assert.True(t, second.SessionPresent())

	msg := waitForMessage(t, received)
	assert.Equal(t, []byte("missed"), msg.Payload)
}

func TestServerCleanSessionDiscardsState(t *testing.T) {
	_, addr := startBroker(t)

	first, err := Dial(addr, WithClientID("durable"), WithCleanSession(false))
	require.NoError(t, err)
	require.NoError(t, first.Disconnect())

	second, err := Dial(addr, WithClientID("durable"), WithCleanSession(true))
	require.NoError(t, err)
	assert.False(t, second.SessionPresent())
	require.NoError(t, second.Disconnect())

	// The clean session was discarded on disconnect.
	third, err := Dial(addr, WithClientID("durable"), WithCleanSession(false))
	require.NoError(t, err)
	assert.False(t, third.SessionPresent())
	require.NoError(t, third.Disconnect())
}

func TestServerCleanSessionRapidReconnect(t *testing.T) {
	_, addr := startBroker(t)

	// Reconnecting immediately after disconnect must never resurrect a
	// clean session that the previous connection's cleanup is still
	// discarding.
	for i := 0; i < 5; i++ {
		client, err := Dial(addr, WithClientID("flapper"), WithCleanSession(true))
		require.NoError(t, err)
		assert.False(t, client.SessionPresent())

		_, err = client.Subscribe(context.Background(), "flap/t", QoS1, nil)
		require.NoError(t, err)
		require.NoError(t, client.Disconnect())
	}

	final, err := Dial(addr, WithClientID("flapper"), WithCleanSession(false))
	require.NoError(t, err)
	assert.False(t, final.SessionPresent())
	require.NoError(t, final.Disconnect())
}

func TestServerAuthentication(t *testing.T) {
	creds := &FileCredentials{users: map[string]string{"alice": "secret"}}
	_, addr := startBroker(t, WithServerAuth(creds))

	t.Run("valid credentials", func(t *testing.T) {
		client, err := Dial(addr,
			WithClientID("c1"),
			WithCredentials("alice", []byte("secret")),
		)
		require.NoError(t, err)
		require.NoError(t, client.Disconnect())
	})

	t.Run("bad credentials", func(t *testing.T) {
		_, err := Dial(addr,
			WithClientID("c2"),
			WithCredentials("alice", []byte("wrong")),
		)
		require.Error(t, err)

		code, ok := IsConnectionRefused(err)
		require.True(t, ok)
		assert.Equal(t, ErrCodeBadCredentials, code)
	})
}

func TestServerMaxQoSDowngrade(t *testing.T) {
	_, addr := startBroker(t, WithServerMaxQoS(QoS1))

	client, err := Dial(addr, WithClientID("c1"))
	require.NoError(t, err)
	defer client.Disconnect() //nolint:errcheck

	granted, err := client.Subscribe(context.Background(), "t", QoS2, nil)
	require.NoError(t, err)
	assert.Equal(t, QoS1, granted)
}

func TestServerSessionTakeover(t *testing.T) {
	_, addr := startBroker(t)

	first, err := Dial(addr, WithClientID("shared"))
	require.NoError(t, err)

	second, err := Dial(addr, WithClientID("shared"))
	require.NoError(t, err)
	defer second.Disconnect() //nolint:errcheck

	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("first connection not closed on takeover")
	}
}

func TestServerQoS2ExactlyOnce(t *testing.T) {
	_, addr := startBroker(t)

	received := make(chan Message, 4)

	sub, err := Dial(addr, WithClientID("sub"))
	require.NoError(t, err)
	defer sub.Disconnect() //nolint:errcheck

	_, err = sub.Subscribe(context.Background(), "once", QoS2, func(msg Message) {
		received <- msg
	})
	require.NoError(t, err)

	// Drive the publisher side by hand to force a duplicate PUBLISH.
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = WritePacket(conn, &ConnectPacket{ClientID: "raw", CleanSession: true}, 0)
	require.NoError(t, err)

	connack, _, err := ReadPacket(conn, 0)
	require.NoError(t, err)
	require.Equal(t, ConnectionAccepted, connack.(*ConnackPacket).ReturnCode)

	publish := &PublishPacket{Topic: "once", Payload: []byte("x"), QoS: QoS2, PacketID: 9}
	_, err = WritePacket(conn, publish, 0)
	require.NoError(t, err)

	rec, _, err := ReadPacket(conn, 0)
	require.NoError(t, err)
	require.IsType(t, &PubrecPacket{}, rec)

	// Retransmit before PUBREL, as after a lost PUBREC.
	dup := &PublishPacket{Topic: "once", Payload: []byte("x"), QoS: QoS2, PacketID: 9, DUP: true}
	_, err = WritePacket(conn, dup, 0)
	require.NoError(t, err)

	rec, _, err = ReadPacket(conn, 0)
	require.NoError(t, err)
	require.IsType(t, &PubrecPacket{}, rec)

	_, err = WritePacket(conn, &PubrelPacket{PacketID: 9}, 0)
	require.NoError(t, err)

	comp, _, err := ReadPacket(conn, 0)
	require.NoError(t, err)
	require.IsType(t, &PubcompPacket{}, comp)

	waitForMessage(t, received)

	select {
	case <-received:
		t.Fatal("message delivered twice")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServerQoS2DedupAcrossReconnect(t *testing.T) {
	_, addr := startBroker(t)

	received := make(chan Message, 4)

	sub, err := Dial(addr, WithClientID("sub"))
	require.NoError(t, err)
	defer sub.Disconnect() //nolint:errcheck

	_, err = sub.Subscribe(context.Background(), "once", QoS2, func(msg Message) {
		received <- msg
	})
	require.NoError(t, err)

	dialRaw := func(wantPresent bool) net.Conn {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)

		_, err = WritePacket(conn, &ConnectPacket{ClientID: "raw", CleanSession: false}, 0)
		require.NoError(t, err)

		pkt, _, err := ReadPacket(conn, 0)
		require.NoError(t, err)
		connack := pkt.(*ConnackPacket)
		require.Equal(t, ConnectionAccepted, connack.ReturnCode)
		require.Equal(t, wantPresent, connack.SessionPresent)
		return conn
	}

	conn := dialRaw(false)

	publish := &PublishPacket{Topic: "once", Payload: []byte("x"), QoS: QoS2, PacketID: 9}
	_, err = WritePacket(conn, publish, 0)
	require.NoError(t, err)

	rec, _, err := ReadPacket(conn, 0)
	require.NoError(t, err)
	require.IsType(t, &PubrecPacket{}, rec)

	waitForMessage(t, received)

	// Drop the connection before PUBREL; the half-finished exchange
	// survives in the persistent session.
	conn.Close()
	conn = dialRaw(true)
	defer conn.Close()

	dup := &PublishPacket{Topic: "once", Payload: []byte("x"), QoS: QoS2, PacketID: 9, DUP: true}
	_, err = WritePacket(conn, dup, 0)
	require.NoError(t, err)

	rec, _, err = ReadPacket(conn, 0)
	require.NoError(t, err)
	require.IsType(t, &PubrecPacket{}, rec)

	_, err = WritePacket(conn, &PubrelPacket{PacketID: 9}, 0)
	require.NoError(t, err)

	comp, _, err := ReadPacket(conn, 0)
	require.NoError(t, err)
	require.IsType(t, &PubcompPacket{}, comp)

	select {
	case <-received:
		t.Fatal("message delivered twice across reconnect")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServerClientAbandonDeliveries(t *testing.T) {
	srv := NewServer()
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	c := newServerClient(srv, left, "c1", false)
	c.session = NewMemorySession("c1")

	id, err := c.session.NextPacketID()
	require.NoError(t, err)
	c.session.AddInflight(InflightMessage{
		PacketID:  id,
		Direction: InflightOutbound,
		State:     InflightAwaitingAck,
	})

	c.abandonDeliveries([]uint16{id})

	_, ok := c.session.GetInflight(id)
	assert.False(t, ok)
}

func TestServerRejectsNonConnectFirstPacket(t *testing.T) {
	_, addr := startBroker(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = WritePacket(conn, &PingreqPacket{}, 0)
	require.NoError(t, err)

	// Server closes the connection without a response.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	_, _, err = ReadPacket(conn, 0)
	assert.Error(t, err)
}

func TestServerSecondConnectIsViolation(t *testing.T) {
	_, addr := startBroker(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	connect := &ConnectPacket{ClientID: "twice", CleanSession: true}
	_, err = WritePacket(conn, connect, 0)
	require.NoError(t, err)

	_, _, err = ReadPacket(conn, 0)
	require.NoError(t, err)

	_, err = WritePacket(conn, connect, 0)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	_, _, err = ReadPacket(conn, 0)
	assert.Error(t, err)
}

func TestServerUnsubscribeStopsDelivery(t *testing.T) {
	_, addr := startBroker(t)

	received := make(chan Message, 2)

	sub, err := Dial(addr, WithClientID("sub"))
	require.NoError(t, err)
	defer sub.Disconnect() //nolint:errcheck

	_, err = sub.Subscribe(context.Background(), "t", QoS0, func(msg Message) {
		received <- msg
	})
	require.NoError(t, err)

	pub, err := Dial(addr, WithClientID("pub"))
	require.NoError(t, err)
	defer pub.Disconnect() //nolint:errcheck

	require.NoError(t, pub.Publish(context.Background(), "t", []byte("1"), QoS0, false))
	waitForMessage(t, received)

	require.NoError(t, sub.Unsubscribe(context.Background(), "t"))

	require.NoError(t, pub.Publish(context.Background(), "t", []byte("2"), QoS0, false))

	select {
	case <-received:
		t.Fatal("delivery after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}
