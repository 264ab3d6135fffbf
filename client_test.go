package mqtt311

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialRequiresClientIDForPersistentSession(t *testing.T) {
	_, err := Dial("127.0.0.1:0",
		WithClientID(""),
		WithCleanSession(false),
	)
	assert.ErrorIs(t, err, ErrClientIDRequired)
}

func TestDialContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := DialContext(ctx, "192.0.2.1:1883", WithClientID("c1"))
	assert.Error(t, err)
}

func TestClientEmptyClientIDGetsServerAssigned(t *testing.T) {
	srv, addr := startBroker(t)

	client, err := Dial(addr, WithClientID(""))
	require.NoError(t, err)
	defer client.Disconnect() //nolint:errcheck

	require.Eventually(t, func() bool {
		return srv.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestClientPublishInvalidQoS(t *testing.T) {
	_, addr := startBroker(t)

	client, err := Dial(addr, WithClientID("c1"))
	require.NoError(t, err)
	defer client.Disconnect() //nolint:errcheck

	err = client.Publish(context.Background(), "t", nil, 3, false)
	assert.ErrorIs(t, err, ErrInvalidQoS)
}

func TestClientSubscribeInvalidFilter(t *testing.T) {
	_, addr := startBroker(t)

	client, err := Dial(addr, WithClientID("c1"))
	require.NoError(t, err)
	defer client.Disconnect() //nolint:errcheck

	_, err = client.Subscribe(context.Background(), "a/#/b", QoS0, nil)
	assert.Error(t, err)
}

func TestClientSubscriptionRegistry(t *testing.T) {
	c := &Client{}

	prev, had := c.setSubscription(clientSubscription{filter: "a/b", qos: QoS1})
	assert.False(t, had)
	assert.Empty(t, prev.filter)

	// Replacing keeps a single entry and reports the displaced one, so
	// a failed subscribe can restore it.
	prev, had = c.setSubscription(clientSubscription{filter: "a/b", qos: QoS2})
	assert.True(t, had)
	assert.Equal(t, QoS1, prev.qos)
	assert.Len(t, c.subs, 1)

	c.removeSubscription("a/b")
	assert.Empty(t, c.subs)
}

func TestClientOperationsAfterClose(t *testing.T) {
	_, addr := startBroker(t)

	client, err := Dial(addr, WithClientID("c1"))
	require.NoError(t, err)
	require.NoError(t, client.Disconnect())

	err = client.Publish(context.Background(), "t", nil, QoS0, false)
	assert.ErrorIs(t, err, ErrClientClosed)

	assert.Nil(t, client.Err())
}

func TestClientDoneOnServerClose(t *testing.T) {
	srv, addr := startBroker(t)

	client, err := Dial(addr, WithClientID("c1"))
	require.NoError(t, err)

	srv.Close()

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client not closed after server shutdown")
	}
}

func TestClientOverWebSocket(t *testing.T) {
	ws, err := NewWSListener("127.0.0.1:0", "/mqtt")
	require.NoError(t, err)

	srv := NewServer(WithListener(ws))
	go srv.Serve() //nolint:errcheck
	t.Cleanup(func() { srv.Close() })

	url := "ws://" + ws.Addr().String() + "/mqtt"

	received := make(chan Message, 1)

	sub, err := Dial(url,
		WithClientID("ws-sub"),
		WithDialer(&WSDialer{Timeout: 5 * time.Second}),
	)
	require.NoError(t, err)
	defer sub.Disconnect() //nolint:errcheck

	_, err = sub.Subscribe(context.Background(), "ws/topic", QoS1, func(msg Message) {
		received <- msg
	})
	require.NoError(t, err)

	pub, err := Dial(url,
		WithClientID("ws-pub"),
		WithDialer(&WSDialer{Timeout: 5 * time.Second}),
	)
	require.NoError(t, err)
	defer pub.Disconnect() //nolint:errcheck

	require.NoError(t, pub.Publish(context.Background(), "ws/topic", []byte("over-ws"), QoS1, false))

	msg := waitForMessage(t, received)
	assert.Equal(t, []byte("over-ws"), msg.Payload)
}
