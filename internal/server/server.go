// Package server implements the listening side: one socket shared by every
// connection, demultiplexed by remote endpoint, driven by a receiver, a
// transmitter and a fixed-tick goroutine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/1ureka/lambdanet/internal/config"
	"github.com/1ureka/lambdanet/internal/peer"
	"github.com/1ureka/lambdanet/internal/protocol"
	"github.com/1ureka/lambdanet/internal/transport"
	"github.com/1ureka/lambdanet/internal/util"
)

// Observer is told about connection lifecycle changes. Methods are called
// from the receiver and fixed-tick goroutines and must not block.
type Observer interface {
	ConnectionOpened(c *peer.Connection)
	ConnectionClosed(c *peer.Connection, cause peer.DisconnectCause)
	ConnectionRejected(reason peer.Reason)
	DiscoveryAnswered()
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened(*peer.Connection)                       {}
func (nopObserver) ConnectionClosed(*peer.Connection, peer.DisconnectCause) {}
func (nopObserver) ConnectionRejected(peer.Reason)                          {}
func (nopObserver) DiscoveryAnswered()                                      {}

// Server accepts connections on a single socket.
type Server struct {
	cfg     *config.Config
	handler peer.Handler
	conns   *peer.Table

	tr     *transport.Transceiver
	stream bool
	salt   uint64

	// scratch decodes datagrams from unknown endpoints before a connection
	// exists to own them. Receiver goroutine only.
	scratch *protocol.SegmentPool

	accepting atomic.Bool

	mu       sync.Mutex
	observer Observer
}

// New creates a server. Call Listen or ListenOn, then Run.
func New(cfg *config.Config, handler peer.Handler) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Server{
		cfg:      cfg,
		handler:  handler,
		conns:    peer.NewTable(),
		salt:     protocol.RandomSalt(),
		scratch:  protocol.NewSegmentPool(protocol.MaxSegmentsPerDatagram),
		observer: nopObserver{},
	}
	s.accepting.Store(cfg.Network.AcceptConnections)
	return s
}

// Listen binds the socket described by the configuration.
func (s *Server) Listen() error {
	switch s.cfg.Transport {
	case config.TransportWebSocket:
		conn, err := transport.ListenWebSocket(s.cfg.Address)
		if err != nil {
			return err
		}
		s.ListenOn(conn, true)
	default:
		conn, err := net.ListenPacket("udp", s.cfg.Address)
		if err != nil {
			return fmt.Errorf("failed to bind %s: %w", s.cfg.Address, err)
		}
		s.ListenOn(conn, false)
	}
	return nil
}

// ListenOn uses an already bound packet conn. stream selects the
// NETWORK_ACK reliability variant for ordered lossless carriers.
func (s *Server) ListenOn(conn net.PacketConn, stream bool) {
	s.tr = transport.NewTransceiver(conn)
	s.tr.SetSimulatedLoss(s.cfg.Network.SimulatedTxLoss, s.cfg.Network.SimulatedRxLoss)
	s.stream = stream
	util.LogInfo("listening on %s (%s)", conn.LocalAddr(), s.cfg.Transport)
}

// LocalAddr returns the bound address.
func (s *Server) LocalAddr() net.Addr { return s.tr.LocalAddr() }

// SetObserver installs o. It must be called before Run.
func (s *Server) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o == nil {
		o = nopObserver{}
	}
	s.observer = o
}

func (s *Server) obs() Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observer
}

// SetAcceptingConnections toggles whether unknown endpoints may connect.
func (s *Server) SetAcceptingConnections(v bool) { s.accepting.Store(v) }

func (s *Server) AcceptingConnections() bool { return s.accepting.Load() }

// Connections returns the registered connections.
func (s *Server) Connections() []*peer.Connection { return s.conns.Snapshot() }

// Connection resolves a handle. Handles of removed connections fail.
func (s *Server) Connection(h peer.Handle) (*peer.Connection, bool) { return s.conns.Get(h) }

func (s *Server) Name() string         { return s.cfg.ServerName }
func (s *Server) MaxClients() int      { return s.cfg.Network.MaxClients }
func (s *Server) ConnectionCount() int { return s.conns.Len() }

// ---------------------------------------------------------------------------
// Loops
// ---------------------------------------------------------------------------

// Run drives the receiver, transmitter and fixed-tick loops until ctx is
// cancelled or the socket fails, then closes the socket.
func (s *Server) Run(ctx context.Context) error {
	if s.tr == nil {
		return errors.New("server is not listening")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		s.tr.Close()
		return nil
	})
	g.Go(func() error { return s.receiveLoop(ctx) })
	g.Go(func() error { return s.transmitLoop(ctx) })
	g.Go(func() error { return s.tickLoop(ctx) })

	return g.Wait()
}

func (s *Server) receiveLoop(ctx context.Context) error {
	for {
		from, ok, err := s.tr.ReceiveBegin()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			util.LogWarning("receive failed: %v", err)
			continue
		}
		if !ok {
			continue
		}
		s.handleDatagram(from, time.Now())
	}
}

func (s *Server) transmitLoop(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.Network.TransmitRate), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		if err := s.FlushAll(time.Now()); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (s *Server) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.Network.FixedTickRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Tick runs the fixed tick of every connection and removes the ones that
// reached Disconnected.
func (s *Server) Tick(now time.Time) {
	for _, c := range s.conns.Snapshot() {
		c.Tick(now)
		if c.State() != peer.StateDisconnected {
			continue
		}
		if err := s.conns.Remove(c.Handle()); err != nil {
			continue
		}
		util.Stats.RemoveConn()
		s.obs().ConnectionClosed(c, c.Cause())
	}
}

// FlushAll sends the queued segments of every connection. Only a closed
// socket is reported; other write errors are logged.
func (s *Server) FlushAll(now time.Time) error {
	for _, c := range s.conns.Snapshot() {
		if err := c.Flush(now); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return err
			}
			util.LogDebug("%s flush failed: %v", c, err)
		}
	}
	return nil
}

// Shutdown stops accepting, disconnects every connection and waits until
// all of them are gone. Run must still be running.
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetAcceptingConnections(false)
	for _, c := range s.conns.Snapshot() {
		c.Disconnect(peer.ReasonServerShutdown)
	}
	return s.conns.WaitEmpty(ctx)
}

// Close closes the socket without a graceful shutdown.
func (s *Server) Close() error {
	if s.tr == nil {
		return nil
	}
	return s.tr.Close()
}

// ---------------------------------------------------------------------------
// Demultiplexing
// ---------------------------------------------------------------------------

func (s *Server) handleDatagram(from net.Addr, now time.Time) {
	if c, ok := s.conns.Lookup(from); ok {
		hdr, segs, err := s.tr.ReceiveEnd(c.Pool(), "receiver")
		if err != nil {
			util.LogDebug("%s dropped datagram: %v", c, err)
			return
		}
		c.HandleDatagram(hdr, segs, now)
		return
	}

	_, segs, err := s.tr.ReceiveEnd(s.scratch, "peek")
	if err != nil {
		util.LogDebug("dropped datagram from %s: %v", from, err)
		return
	}
	hasConnect, hasDiscovery, onlyDisconnect := classify(segs)
	s.scratch.FreeSegments(segs)

	switch {
	case len(segs) == 0 || onlyDisconnect:
		// Acks or a goodbye for a connection that is already gone.
		return
	case hasDiscovery:
		s.answerDiscovery(from)
		return
	case !s.accepting.Load():
		s.reject(from, protocol.TypeServerNotAccepting, peer.ReasonServerNotAccepting)
		return
	case s.conns.Len() >= s.cfg.Network.MaxClients:
		s.reject(from, protocol.TypeServerFull, peer.ReasonServerFull)
		return
	}

	c := peer.New(peer.NewOptions(s.cfg.Network, peer.RoleServer, from, s.stream), s.tr, s.handler)
	if _, err := s.conns.Insert(c); err != nil {
		util.LogError("failed to register %s: %v", from, err)
		return
	}
	util.Stats.AddConn()
	s.obs().ConnectionOpened(c)
	if !hasConnect {
		util.LogDebug("%s first datagram carries no CONNECT", c)
	}

	hdr, segs, err := s.tr.ReceiveEnd(c.Pool(), "receiver")
	if err != nil {
		return
	}
	c.HandleDatagram(hdr, segs, now)
}

func classify(segs []*protocol.Segment) (hasConnect, hasDiscovery, onlyDisconnect bool) {
	onlyDisconnect = len(segs) > 0
	for _, seg := range segs {
		switch seg.Type() {
		case protocol.TypeConnect:
			hasConnect = true
		case protocol.TypeNetworkDiscovery:
			hasDiscovery = true
		}
		if seg.Type() != protocol.TypeDisconnect {
			onlyDisconnect = false
		}
	}
	return
}

// reply sends a single out-of-band segment to an endpoint that has no
// connection.
func (s *Server) reply(to net.Addr, typ protocol.SegmentType, write func(*protocol.Segment)) {
	seg := s.scratch.RequestFreeSegment("reply")
	if seg == nil {
		return
	}
	defer seg.Release()

	seg.SetType(typ)
	if write != nil {
		write(seg)
	}
	if err := s.tr.Transmit(to, protocol.DatagramHeader{Salt: s.salt}, []*protocol.Segment{seg}); err != nil {
		util.LogDebug("reply %s to %s failed: %v", typ, to, err)
	}
}

func (s *Server) reject(to net.Addr, typ protocol.SegmentType, reason peer.Reason) {
	util.LogInfo("[%08x] rejected %s: %s", util.EndpointID(to), to, reason)
	s.reply(to, typ, nil)
	util.Stats.RejectConn()
	s.obs().ConnectionRejected(reason)
}

func (s *Server) answerDiscovery(to net.Addr) {
	s.reply(to, protocol.TypeNetworkDiscovery, func(seg *protocol.Segment) {
		protocol.EncodeDiscovery(seg, protocol.DiscoveryInfo{
			Name:       s.cfg.ServerName,
			Clients:    uint16(s.conns.Len()),
			MaxClients: uint16(s.cfg.Network.MaxClients),
			Accepting:  s.accepting.Load(),
		})
	})
	s.obs().DiscoveryAnswered()
}
