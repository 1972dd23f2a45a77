package peer

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/lambdanet/internal/packet"
	"github.com/1ureka/lambdanet/internal/protocol"
	"github.com/1ureka/lambdanet/internal/util"
)

// Connection is one end of a session with a remote endpoint. It owns a
// segment pool and a packet manager and runs the handshake and disconnect
// state machine on top of them.
//
// Three goroutines touch a connection: the receiver calls HandleDatagram, the
// transmitter calls Flush and the fixed-tick goroutine calls Tick, which is
// also where every Handler and DeliveryListener callback runs. Protocol state
// is guarded by mu; the inbox by bufMu. When both are held, mu comes first.
type Connection struct {
	opts    Options
	handler Handler
	sender  Sender

	id       uint32 // endpoint hash, used as log prefix
	session  uuid.UUID
	borrower string
	pool     *protocol.SegmentPool
	manager  packet.Manager

	state  atomic.Int32
	handle atomic.Pointer[Handle]
	muted  atomic.Bool // nothing more is sent to an endpoint that never proved itself

	mu                  sync.Mutex
	cause               DisconnectCause
	createdAt           time.Time
	lastReceived        time.Time
	lastPing            time.Time
	disconnectAt        time.Time
	seenConnect         bool
	ticked              bool
	terminationApproved bool

	bufMu    sync.Mutex
	filling  []inboxItem
	draining []inboxItem
}

type itemKind uint8

const (
	itemConnecting itemKind = iota + 1
	itemConnected
	itemDisconnecting
	itemDisconnected
	itemSegment
	itemDelivery
)

// inboxItem is one entry of the ordered inbox drained on Tick.
type inboxItem struct {
	kind     itemKind
	seg      *protocol.Segment
	cause    DisconnectCause
	delivery packet.DeliveryEvent
}

type watchListener struct{}

func (*watchListener) OnPacketDelivered(packet.DeliveryInfo)       {}
func (*watchListener) OnPacketResent(packet.DeliveryInfo)          {}
func (*watchListener) OnPacketMaxTriesReached(packet.DeliveryInfo) {}

// disconnectWatch marks the DISCONNECT segment so its fate can be told apart
// from application deliveries.
var disconnectWatch = &watchListener{}

// New creates a connection in the Connecting state. A client connection
// stays silent until Connect is called; a server connection waits for the
// remote CONNECT.
func New(opts Options, sender Sender, handler Handler) *Connection {
	opts.applyDefaults()
	if handler == nil {
		handler = HandlerFuncs{}
	}

	c := &Connection{
		opts:    opts,
		handler: handler,
		sender:  sender,
		id:      util.EndpointID(opts.Endpoint),
		session: uuid.New(),
		pool:    protocol.NewSegmentPool(opts.PoolSize),
	}
	c.borrower = fmt.Sprintf("conn-%08x", c.id)

	mcfg := packet.Config{
		MaxTries:       opts.MaxTries,
		ResendInterval: opts.ResendInterval,
		Borrower:       c.borrower,
	}
	if opts.Stream {
		c.manager = packet.NewStreamManager(mcfg, c.pool)
	} else {
		c.manager = packet.NewUDPManager(mcfg, c.pool)
	}

	now := opts.Clock()
	c.createdAt = now
	c.lastReceived = now
	c.state.Store(int32(StateConnecting))
	c.push(inboxItem{kind: itemConnecting})
	return c
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (c *Connection) State() State                   { return State(c.state.Load()) }
func (c *Connection) Role() Role                     { return c.opts.Role }
func (c *Connection) Endpoint() net.Addr             { return c.opts.Endpoint }
func (c *Connection) SessionID() uuid.UUID           { return c.session }
func (c *Connection) Pool() *protocol.SegmentPool    { return c.pool }
func (c *Connection) Statistics() *packet.Statistics { return c.manager.Statistics() }
func (c *Connection) Manager() packet.Manager        { return c.manager }
func (c *Connection) CreatedAt() time.Time           { return c.createdAt }
func (c *Connection) setState(s State)               { c.state.Store(int32(s)) }
func (c *Connection) logPrefix() string              { return fmt.Sprintf("[%08x]", c.id) }
func (c *Connection) isTerminal() bool               { return c.State() >= StateDisconnecting }
func (c *Connection) setHandle(h Handle)             { c.handle.Store(&h) }
func (c *Connection) clearHandle()                   { c.handle.Store(nil) }

func (c *Connection) String() string {
	return fmt.Sprintf("%s %s (%s)", c.logPrefix(), c.opts.Endpoint, c.State())
}

// Handle returns the table handle, or the zero Handle when the connection
// is not registered.
func (c *Connection) Handle() Handle {
	if h := c.handle.Load(); h != nil {
		return *h
	}
	return Handle{}
}

// Cause returns why the connection is disconnecting, once it is.
func (c *Connection) Cause() DisconnectCause {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// ---------------------------------------------------------------------------
// Application API
// ---------------------------------------------------------------------------

// GetFreeSegment borrows a segment of the given type from the connection's
// pool, or returns nil when the pool is exhausted.
func (c *Connection) GetFreeSegment(typ protocol.SegmentType) *protocol.Segment {
	seg := c.pool.RequestFreeSegment(c.borrower)
	if seg != nil {
		seg.SetType(typ)
	}
	return seg
}

// SendReliable queues seg for reliable, in-order delivery. On success the
// connection owns seg; on failure the caller still does.
func (c *Connection) SendReliable(seg *protocol.Segment, listener packet.DeliveryListener) bool {
	if !c.checkOutgoing(seg) {
		return false
	}
	if err := c.manager.EnqueueReliable(seg, listener); err != nil {
		util.LogWarning("%s reliable send rejected: %v", c.logPrefix(), err)
		return false
	}
	return true
}

// SendUnreliable queues seg for the next datagram. Ownership follows
// SendReliable.
func (c *Connection) SendUnreliable(seg *protocol.Segment) bool {
	if !c.checkOutgoing(seg) {
		return false
	}
	if err := c.manager.EnqueueUnreliable(seg); err != nil {
		util.LogWarning("%s unreliable send rejected: %v", c.logPrefix(), err)
		return false
	}
	return true
}

func (c *Connection) checkOutgoing(seg *protocol.Segment) bool {
	if seg == nil {
		return false
	}
	if c.State() != StateConnected {
		util.LogDebug("%s send dropped: %v", c.logPrefix(), ErrNotConnected)
		return false
	}
	if seg.Type().IsControl() {
		util.LogWarning("%s segment type %s is reserved", c.logPrefix(), seg.Type())
		return false
	}
	return true
}

// Connect starts the client side of the handshake by sending CONNECT.
func (c *Connection) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.Role != RoleClient {
		return fmt.Errorf("connect: %s connections wait for the remote CONNECT", c.opts.Role)
	}
	if c.State() != StateConnecting {
		return fmt.Errorf("connect: %w (%s)", ErrNotConnected, c.State())
	}
	return c.sendControlLocked(protocol.TypeConnect, true, nil, nil)
}

// Disconnect starts an orderly shutdown: DISCONNECT is sent reliably and the
// connection finishes once it is acknowledged or DisconnectTimeout passes.
// Calling it more than once has no further effect.
func (c *Connection) Disconnect(reason Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked(DisconnectCause{Reason: reason}, c.opts.Clock(), true)
}

// Release is Disconnect with the Released reason.
func (c *Connection) Release() {
	c.Disconnect(ReasonReleased)
}

// Terminate tears the connection down without notifying the remote, for
// when the remote is known to be gone or the socket failed.
func (c *Connection) Terminate(cause DisconnectCause) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked(cause, c.opts.Clock(), false)
}

// ---------------------------------------------------------------------------
// Transmitter side
// ---------------------------------------------------------------------------

// Flush sends everything the manager has queued to the remote endpoint.
func (c *Connection) Flush(now time.Time) error {
	if c.State() == StateDisconnected || c.muted.Load() {
		return nil
	}
	return c.manager.Flush(now, func(hdr protocol.DatagramHeader, segs []*protocol.Segment) error {
		return c.sender.Transmit(c.opts.Endpoint, hdr, segs)
	})
}

// ---------------------------------------------------------------------------
// Receiver side
// ---------------------------------------------------------------------------

// HandleDatagram applies one decoded datagram. Control segments act on the
// state machine immediately; application segments are queued for the next
// Tick. The connection takes ownership of segs.
func (c *Connection) HandleDatagram(hdr protocol.DatagramHeader, segs []*protocol.Segment, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateDisconnected {
		releaseAll(segs)
		return
	}

	if remote := c.manager.Statistics().RemoteSalt(); remote != 0 && hdr.Salt != remote {
		util.LogDebug("%s dropped datagram with salt %016x, expected %016x", c.logPrefix(), hdr.Salt, remote)
		releaseAll(segs)
		return
	}

	c.lastReceived = now
	for _, seg := range c.manager.Receive(hdr, segs, now) {
		if seg.Type().IsControl() {
			c.handleControlLocked(seg, now)
			seg.Release()
			continue
		}
		c.handleApplicationLocked(seg, now)
	}
}

func (c *Connection) handleApplicationLocked(seg *protocol.Segment, now time.Time) {
	switch c.State() {
	case StateConnected:
		c.push(inboxItem{kind: itemSegment, seg: seg})
	case StateConnecting:
		seg.Release()
		// A client's first segments can overtake its ACCEPTED.
		if c.opts.Role == RoleServer && c.seenConnect {
			return
		}
		c.disconnectLocked(DisconnectCause{
			Reason: ReasonExpectedConnectPacket,
			Detail: "application segment before handshake",
		}, now, false)
	default:
		seg.Release()
	}
}

func (c *Connection) handleControlLocked(seg *protocol.Segment, now time.Time) {
	state := c.State()
	stats := c.manager.Statistics()

	switch seg.Type() {
	case protocol.TypeConnect:
		if c.opts.Role != RoleServer || state != StateConnecting || c.seenConnect {
			return
		}
		c.seenConnect = true
		stats.SetRemoteSalt(seg.RemoteSalt())
		if err := c.sendControlLocked(protocol.TypeChallenge, true, nil, nil); err != nil {
			util.LogError("%s failed to send CHALLENGE: %v", c.logPrefix(), err)
		}

	case protocol.TypeChallenge:
		if c.opts.Role != RoleClient || state != StateConnecting {
			return
		}
		stats.SetRemoteSalt(seg.RemoteSalt())
		answer := protocol.ChallengeAnswer(stats.LocalSalt(), seg.RemoteSalt())
		err := c.sendControlLocked(protocol.TypeAccepted, true, nil, func(s *protocol.Segment) {
			s.WriteUint64(answer)
		})
		if err != nil {
			util.LogError("%s failed to send ACCEPTED: %v", c.logPrefix(), err)
			return
		}
		c.connectedLocked(now)

	case protocol.TypeAccepted:
		if c.opts.Role != RoleServer || state != StateConnecting || !c.seenConnect {
			return
		}
		answer, ok := seg.ReadUint64()
		expected := protocol.ChallengeAnswer(stats.LocalSalt(), stats.RemoteSalt())
		if !ok || answer != expected {
			util.LogWarning("%s challenge answer mismatch from %s, suspected spoofing", c.logPrefix(), c.opts.Endpoint)
			return
		}
		c.connectedLocked(now)

	case protocol.TypeDisconnect:
		c.disconnectLocked(DisconnectCause{Reason: ReasonDisconnectedByRemote}, now, false)

	case protocol.TypePing:
		if state != StateConnected {
			return
		}
		sent, ok1 := seg.ReadUint32()
		received, ok2 := seg.ReadUint32()
		if ok1 && ok2 {
			stats.SetRemotePacketCounts(sent, received)
		}

	case protocol.TypeServerFull:
		if c.opts.Role == RoleClient {
			c.disconnectLocked(DisconnectCause{Reason: ReasonServerFull}, now, false)
		}

	case protocol.TypeServerNotAccepting:
		if c.opts.Role == RoleClient {
			c.disconnectLocked(DisconnectCause{Reason: ReasonServerNotAccepting}, now, false)
		}
	}
}

// ---------------------------------------------------------------------------
// Fixed tick
// ---------------------------------------------------------------------------

// Tick runs the timers of the connection and then dispatches every queued
// event and segment to the handler, outside of any lock.
func (c *Connection) Tick(now time.Time) {
	c.mu.Lock()
	c.tickLocked(now)
	c.mu.Unlock()

	c.dispatch()
}

func (c *Connection) tickLocked(now time.Time) {
	if c.State() == StateDisconnected {
		return
	}

	c.manager.Tick(now)
	for _, ev := range c.manager.DrainEvents() {
		if ev.Listener == disconnectWatch {
			if ev.Kind != packet.EventResent {
				c.terminationApproved = true
			}
			continue
		}
		if ev.Kind == packet.EventMaxTriesReached {
			c.disconnectLocked(DisconnectCause{
				Reason: ReasonMaxTriesReached,
				Detail: fmt.Sprintf("%s uid %d after %d tries", ev.Info.Type, ev.Info.ReliableUID, ev.Info.Tries),
			}, now, false)
		}
		if ev.Listener != nil {
			c.push(inboxItem{kind: itemDelivery, delivery: ev})
		}
	}

	switch c.State() {
	case StateConnecting:
		switch {
		case c.opts.Role == RoleServer && !c.ticked && !c.seenConnect && c.manager.PendingReliable() == 0:
			c.disconnectLocked(DisconnectCause{Reason: ReasonExpectedConnectPacket}, now, false)
		case now.Sub(c.createdAt) >= c.opts.ConnectTimeout:
			c.disconnectLocked(DisconnectCause{Reason: ReasonConnectTimedOut}, now, c.opts.Role == RoleClient)
		}

	case StateConnected:
		if now.Sub(c.lastPing) >= c.opts.PingInterval {
			c.sendPingLocked(now)
		}
	}
	c.ticked = true

	if !c.isTerminal() && now.Sub(c.lastReceived) >= c.opts.PingTimeout {
		c.disconnectLocked(DisconnectCause{Reason: ReasonPingTimedOut}, now, false)
	}

	if c.State() == StateDisconnecting &&
		(c.terminationApproved || now.Sub(c.disconnectAt) >= c.opts.DisconnectTimeout) {
		c.finishLocked()
	}
}

func (c *Connection) sendPingLocked(now time.Time) {
	stats := c.manager.Statistics()
	err := c.sendControlLocked(protocol.TypePing, false, nil, func(s *protocol.Segment) {
		s.WriteUint32(stats.PacketsSent())
		s.WriteUint32(stats.PacketsReceived())
	})
	if err != nil {
		util.LogDebug("%s ping skipped: %v", c.logPrefix(), err)
		return
	}
	c.lastPing = now
}

func (c *Connection) connectedLocked(now time.Time) {
	c.setState(StateConnected)
	c.lastPing = now
	c.push(inboxItem{kind: itemConnected})
	util.LogSuccess("%s connected to %s (session %s)", c.logPrefix(), c.opts.Endpoint, c.session)
}

// disconnectLocked moves to Disconnecting once. With notify the remote is
// sent DISCONNECT and termination waits for its acknowledgement; otherwise
// termination is approved immediately.
func (c *Connection) disconnectLocked(cause DisconnectCause, now time.Time, notify bool) {
	if c.isTerminal() {
		return
	}

	// A server still in Connecting has no proof the endpoint is genuine, so
	// it is left to time out instead of being answered.
	if c.opts.Role == RoleServer && c.State() == StateConnecting && !notify {
		c.muted.Store(true)
	}
	c.setState(StateDisconnecting)
	c.cause = cause
	c.disconnectAt = now
	c.push(inboxItem{kind: itemDisconnecting, cause: cause})
	util.LogInfo("%s disconnecting: %s", c.logPrefix(), cause)

	if !notify {
		c.terminationApproved = true
		return
	}
	if err := c.sendControlLocked(protocol.TypeDisconnect, true, disconnectWatch, nil); err != nil {
		util.LogWarning("%s could not send DISCONNECT: %v", c.logPrefix(), err)
		c.terminationApproved = true
	}
}

func (c *Connection) finishLocked() {
	c.setState(StateDisconnected)
	c.manager.Reset()
	c.push(inboxItem{kind: itemDisconnected, cause: c.cause})
	util.LogInfo("%s disconnected: %s", c.logPrefix(), c.cause)
}

// sendControlLocked queues a transport control segment, bypassing the
// Connected check of the public send methods.
func (c *Connection) sendControlLocked(typ protocol.SegmentType, reliable bool, listener packet.DeliveryListener, write func(*protocol.Segment)) error {
	seg := c.GetFreeSegment(typ)
	if seg == nil {
		return protocol.ErrPoolExhausted
	}
	if write != nil {
		write(seg)
	}

	var err error
	if reliable {
		err = c.manager.EnqueueReliable(seg, listener)
	} else {
		err = c.manager.EnqueueUnreliable(seg)
	}
	if err != nil {
		seg.Release()
	}
	return err
}

// ---------------------------------------------------------------------------
// Inbox
// ---------------------------------------------------------------------------

func (c *Connection) push(item inboxItem) {
	c.bufMu.Lock()
	c.filling = append(c.filling, item)
	c.bufMu.Unlock()
}

// dispatch swaps the inbox halves and delivers the drained half.
func (c *Connection) dispatch() {
	c.bufMu.Lock()
	c.filling, c.draining = c.draining[:0], c.filling
	items := c.draining
	c.bufMu.Unlock()

	for i := range items {
		it := &items[i]
		switch it.kind {
		case itemConnecting:
			c.handler.OnConnecting(c)
		case itemConnected:
			c.handler.OnConnected(c)
		case itemDisconnecting:
			c.handler.OnDisconnecting(c, it.cause)
		case itemDisconnected:
			c.handler.OnDisconnected(c, it.cause)
		case itemSegment:
			it.seg.ResetReadHead()
			c.handler.OnSegmentReceived(c, it.seg)
			it.seg.Release()
		case itemDelivery:
			it.delivery.Dispatch()
		}
		*it = inboxItem{}
	}
}

func releaseAll(segs []*protocol.Segment) {
	for _, seg := range segs {
		seg.Release()
	}
}
