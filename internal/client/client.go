// Package client implements the connecting side: a socket bound to an
// ephemeral address, one client connection to the listener, and the same
// receiver, transmitter and fixed-tick goroutines the listener runs.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/1ureka/lambdanet/internal/config"
	"github.com/1ureka/lambdanet/internal/peer"
	"github.com/1ureka/lambdanet/internal/transport"
	"github.com/1ureka/lambdanet/internal/util"
)

// Client is a running client connection.
type Client struct {
	cfg    *config.Config
	tr     *transport.Transceiver
	remote net.Addr
	conn   *peer.Connection

	cancel context.CancelFunc
	group  *errgroup.Group

	done      chan struct{}
	doneOnce  sync.Once
	connected chan struct{}
}

// Dial binds an ephemeral socket of the configured transport, connects to
// cfg.Address and blocks until the handshake completes, fails, or ctx ends.
func Dial(ctx context.Context, cfg *config.Config, handler peer.Handler) (*Client, error) {
	conn, raddr, stream, err := bind(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c, err := DialOn(ctx, conn, raddr, stream, cfg, handler)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func bind(ctx context.Context, cfg *config.Config) (net.PacketConn, net.Addr, bool, error) {
	if cfg.Transport == config.TransportWebSocket {
		url := fmt.Sprintf("ws://%s%s", cfg.Address, transport.WebSocketPath)
		conn, raddr, err := transport.DialWebSocket(ctx, url)
		if err != nil {
			return nil, nil, false, err
		}
		return conn, raddr, true, nil
	}

	raddr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, nil, false, fmt.Errorf("resolve %s: %w", cfg.Address, err)
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to bind client socket: %w", err)
	}
	return conn, raddr, false, nil
}

// DialOn runs a client over an already bound packet conn. The client owns
// pc from here on and closes it on Close.
func DialOn(ctx context.Context, pc net.PacketConn, raddr net.Addr, stream bool, cfg *config.Config, handler peer.Handler) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if handler == nil {
		handler = peer.HandlerFuncs{}
	}

	c := &Client{
		cfg:       cfg,
		tr:        transport.NewTransceiver(pc),
		remote:    raddr,
		done:      make(chan struct{}),
		connected: make(chan struct{}),
	}
	c.tr.SetSimulatedLoss(cfg.Network.SimulatedTxLoss, cfg.Network.SimulatedRxLoss)

	var connectedOnce sync.Once
	wrapped := peer.HandlerFuncs{
		Connecting: handler.OnConnecting,
		Connected: func(conn *peer.Connection) {
			connectedOnce.Do(func() { close(c.connected) })
			handler.OnConnected(conn)
		},
		Disconnecting:   handler.OnDisconnecting,
		Disconnected:    handler.OnDisconnected,
		SegmentReceived: handler.OnSegmentReceived,
	}
	c.conn = peer.New(peer.NewOptions(cfg.Network, peer.RoleClient, raddr, stream), c.tr, wrapped)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.start(runCtx)

	if err := c.conn.Connect(); err != nil {
		c.shutdown()
		return nil, err
	}
	util.LogInfo("connecting to %s from %s", raddr, pc.LocalAddr())

	select {
	case <-c.connected:
		return c, nil
	case <-c.done:
		c.shutdown()
		return nil, fmt.Errorf("%w: %s", peer.ErrNotConnected, c.conn.Cause())
	case <-ctx.Done():
		c.conn.Terminate(peer.DisconnectCause{Reason: peer.ReasonRequested, Detail: "dial cancelled"})
		c.shutdown()
		return nil, ctx.Err()
	}
}

// Connection returns the client's connection.
func (c *Client) Connection() *peer.Connection { return c.conn }

// LocalAddr returns the bound local address.
func (c *Client) LocalAddr() net.Addr { return c.tr.LocalAddr() }

// Done is closed once the connection reached Disconnected.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close disconnects gracefully, waiting at most DisconnectTimeout plus one
// second for the remote to acknowledge, then releases the socket.
func (c *Client) Close() error {
	c.conn.Disconnect(peer.ReasonRequested)

	wait := c.cfg.Network.DisconnectTimeout.Std() + time.Second
	select {
	case <-c.done:
	case <-time.After(wait):
		util.LogWarning("disconnect from %s did not finish within %s", c.remote, wait)
	}
	return c.shutdown()
}

func (c *Client) shutdown() error {
	c.cancel()
	err := c.group.Wait()
	c.markDone()
	return err
}

func (c *Client) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// ---------------------------------------------------------------------------
// Loops
// ---------------------------------------------------------------------------

func (c *Client) start(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	c.group = g

	g.Go(func() error {
		<-ctx.Done()
		c.tr.Close()
		return nil
	})
	g.Go(func() error { return c.receiveLoop(ctx) })
	g.Go(func() error { return c.transmitLoop(ctx) })
	g.Go(func() error { return c.tickLoop(ctx) })
}

func (c *Client) receiveLoop(ctx context.Context) error {
	for {
		from, ok, err := c.tr.ReceiveBegin()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			c.conn.Terminate(peer.DisconnectCause{Reason: peer.ReasonReceiveError, Detail: err.Error()})
			return nil
		}
		if !ok || from.String() != c.remote.String() {
			continue
		}

		hdr, segs, err := c.tr.ReceiveEnd(c.conn.Pool(), "receiver")
		if err != nil {
			util.LogDebug("dropped datagram from %s: %v", from, err)
			continue
		}
		c.conn.HandleDatagram(hdr, segs, time.Now())
	}
}

func (c *Client) transmitLoop(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Limit(c.cfg.Network.TransmitRate), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		if err := c.conn.Flush(time.Now()); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			util.LogDebug("flush to %s failed: %v", c.remote, err)
		}
	}
}

func (c *Client) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(c.cfg.Network.FixedTickRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			c.conn.Tick(now)
			if c.conn.State() == peer.StateDisconnected {
				c.markDone()
				c.cancel()
				return nil
			}
		}
	}
}
