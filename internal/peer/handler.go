package peer

import (
	"net"

	"github.com/1ureka/lambdanet/internal/protocol"
)

// Handler receives connection events. Every method runs on the fixed-tick
// goroutine, in the order the events happened. The segment passed to
// OnSegmentReceived is returned to its pool when the call returns; copy out
// what must outlive it.
type Handler interface {
	OnConnecting(c *Connection)
	OnConnected(c *Connection)
	OnDisconnecting(c *Connection, cause DisconnectCause)
	OnDisconnected(c *Connection, cause DisconnectCause)
	OnSegmentReceived(c *Connection, seg *protocol.Segment)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Connecting      func(c *Connection)
	Connected       func(c *Connection)
	Disconnecting   func(c *Connection, cause DisconnectCause)
	Disconnected    func(c *Connection, cause DisconnectCause)
	SegmentReceived func(c *Connection, seg *protocol.Segment)
}

var _ Handler = HandlerFuncs{}

func (h HandlerFuncs) OnConnecting(c *Connection) {
	if h.Connecting != nil {
		h.Connecting(c)
	}
}

func (h HandlerFuncs) OnConnected(c *Connection) {
	if h.Connected != nil {
		h.Connected(c)
	}
}

func (h HandlerFuncs) OnDisconnecting(c *Connection, cause DisconnectCause) {
	if h.Disconnecting != nil {
		h.Disconnecting(c, cause)
	}
}

func (h HandlerFuncs) OnDisconnected(c *Connection, cause DisconnectCause) {
	if h.Disconnected != nil {
		h.Disconnected(c, cause)
	}
}

func (h HandlerFuncs) OnSegmentReceived(c *Connection, seg *protocol.Segment) {
	if h.SegmentReceived != nil {
		h.SegmentReceived(c, seg)
	}
}

// Sender writes one datagram to an endpoint. *transport.Transceiver
// satisfies it.
type Sender interface {
	Transmit(to net.Addr, hdr protocol.DatagramHeader, segs []*protocol.Segment) error
}
