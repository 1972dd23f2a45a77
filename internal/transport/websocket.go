package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/lambdanet/internal/util"
)

// WebSocketPath is the HTTP path the listener upgrades on.
const WebSocketPath = "/ws"

// ErrUnknownPeer is returned by WriteTo for an address with no open socket.
var ErrUnknownPeer = errors.New("no websocket for address")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketConn carries datagrams as binary WebSocket messages and exposes
// them through net.PacketConn, so the listener and client code run unchanged
// over a stream transport. A listening WebSocketConn multiplexes every
// accepted socket keyed by its remote address.
type WebSocketConn struct {
	local net.Addr

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	inbox chan wsDatagram

	mu    sync.Mutex
	peers map[string]*wsPeer

	listener net.Listener // nil on the dialing side
	server   *http.Server

	deadlineMu   sync.Mutex
	readDeadline time.Time
}

var _ net.PacketConn = (*WebSocketConn)(nil)

type wsDatagram struct {
	from net.Addr
	data []byte
}

type wsPeer struct {
	conn    *websocket.Conn
	addr    net.Addr
	writeMu sync.Mutex
}

func newWebSocketConn(local net.Addr) *WebSocketConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketConn{
		local:  local,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan wsDatagram, memoryInboxSize),
		peers:  make(map[string]*wsPeer),
	}
}

// ---------------------------------------------------------------------------
// Listening side
// ---------------------------------------------------------------------------

// ListenWebSocket starts an HTTP server on addr that upgrades requests on
// WebSocketPath. Each accepted socket becomes a distinct remote address.
func ListenWebSocket(addr string) (*WebSocketConn, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start WS listener: %w", err)
	}

	c := newWebSocketConn(listener.Addr())
	c.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, c.handleWS)
	c.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		_ = c.server.Serve(listener)
	}()

	return c, nil
}

func (c *WebSocketConn) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogDebug("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	c.attach(conn)
}

// ---------------------------------------------------------------------------
// Dialing side
// ---------------------------------------------------------------------------

// DialWebSocket connects to a listener and returns the packet conn together
// with the address to send datagrams to.
func DialWebSocket(ctx context.Context, url string) (*WebSocketConn, net.Addr, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}

	c := newWebSocketConn(conn.LocalAddr())
	peer := c.attach(conn)
	return c, peer.addr, nil
}

// ---------------------------------------------------------------------------
// Peer management
// ---------------------------------------------------------------------------

func (c *WebSocketConn) attach(conn *websocket.Conn) *wsPeer {
	p := &wsPeer{conn: conn, addr: conn.RemoteAddr()}

	c.mu.Lock()
	c.peers[p.addr.String()] = p
	c.mu.Unlock()

	go c.readLoop(p)
	return p
}

// readLoop pumps binary messages of one socket into the shared inbox.
func (c *WebSocketConn) readLoop(p *wsPeer) {
	defer func() {
		c.mu.Lock()
		delete(c.peers, p.addr.String())
		c.mu.Unlock()
		p.conn.Close()
	}()

	for {
		typ, data, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
			default:
				util.LogDebug("websocket %s closed: %v", p.addr, err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}

		select {
		case c.inbox <- wsDatagram{from: p.addr, data: data}:
		case <-c.ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// net.PacketConn
// ---------------------------------------------------------------------------

func (c *WebSocketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.deadlineMu.Lock()
	deadline := c.readDeadline
	c.deadlineMu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case d := <-c.inbox:
		return copy(b, d.data), d.from, nil
	case <-c.ctx.Done():
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

func (c *WebSocketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	if c.ctx.Err() != nil {
		return 0, net.ErrClosed
	}

	c.mu.Lock()
	p, ok := c.peers[addr.String()]
	c.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w %s", ErrUnknownPeer, addr)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close shuts down every socket and, on the listening side, the HTTP server.
func (c *WebSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()

		if c.server != nil {
			err = c.server.Close()
		}

		c.mu.Lock()
		peers := make([]*wsPeer, 0, len(c.peers))
		for _, p := range c.peers {
			peers = append(peers, p)
		}
		c.mu.Unlock()

		for _, p := range peers {
			p.writeMu.Lock()
			p.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"))
			p.writeMu.Unlock()
			p.conn.Close()
		}
	})
	return err
}

func (c *WebSocketConn) LocalAddr() net.Addr { return c.local }

func (c *WebSocketConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.readDeadline = t
	c.deadlineMu.Unlock()
	return nil
}

func (c *WebSocketConn) SetWriteDeadline(time.Time) error { return nil }
