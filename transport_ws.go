package mqtt311

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrWSListenerClosed = errors.New("websocket listener closed")

// wsSubprotocol is the registered WebSocket subprotocol for MQTT.
const wsSubprotocol = "mqtt"

// wsConn adapts a websocket connection to net.Conn. MQTT packets are
// carried in binary WebSocket messages; a single message may contain
// multiple packets or a partial packet.
type wsConn struct {
	ws *websocket.Conn

	readMu  sync.Mutex
	writeMu sync.Mutex
	reader  io.Reader
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			messageType, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// WSListener accepts MQTT-over-WebSocket connections. It runs an HTTP
// server that upgrades requests on the configured path and hands the
// resulting connections to Accept.
type WSListener struct {
	httpServer *http.Server
	tcp        net.Listener
	upgrader   websocket.Upgrader

	conns     chan net.Conn
	closeOnce sync.Once
	done      chan struct{}
}

// NewWSListener listens for WebSocket connections on addr at the given
// HTTP path. An empty path defaults to "/mqtt".
func NewWSListener(addr, path string) (*WSListener, error) {
	if path == "" {
		path = "/mqtt"
	}

	tcp, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &WSListener{
		tcp: tcp,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{wsSubprotocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
		conns: make(chan net.Conn, 16),
		done:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)
	l.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go l.httpServer.Serve(tcp) //nolint:errcheck

	return l, nil
}

func (l *WSListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	select {
	case l.conns <- newWSConn(ws):
	case <-l.done:
		ws.Close()
	}
}

func (l *WSListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, ErrWSListenerClosed
	}
}

func (l *WSListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.httpServer.Close()
	})
	return err
}

func (l *WSListener) Addr() net.Addr {
	return l.tcp.Addr()
}

// WSDialer dials MQTT-over-WebSocket connections. The address is a
// ws:// or wss:// URL.
type WSDialer struct {
	// Timeout bounds the handshake. Zero means no timeout beyond the
	// context deadline.
	Timeout time.Duration
}

func (d *WSDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.Timeout,
		Subprotocols:     []string{wsSubprotocol},
	}

	ws, _, err := dialer.DialContext(ctx, address, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(ws), nil
}
