// Package app contains the top-level orchestration for the host and client
// roles of the chat relay that ships with the transport.
package app

import (
	"fmt"
	"sync/atomic"

	"github.com/1ureka/lambdanet/internal/peer"
	"github.com/1ureka/lambdanet/internal/protocol"
	"github.com/1ureka/lambdanet/internal/util"
)

// ChatType carries one UTF-8 line of chat.
const ChatType protocol.SegmentType = 1

// Peers lists the connections a relay broadcasts to.
type Peers interface {
	Connections() []*peer.Connection
}

// Relay forwards every chat line it receives to all other connected peers
// and announces joins and leaves.
type Relay struct {
	peers atomic.Pointer[Peers]
}

var _ peer.Handler = (*Relay)(nil)

// NewRelay returns a relay with no peers attached.
func NewRelay() *Relay { return &Relay{} }

// Attach sets the peer list. The server is created with the relay as its
// handler, so the two are wired after construction.
func (r *Relay) Attach(p Peers) { r.peers.Store(&p) }

func (r *Relay) OnConnecting(*peer.Connection) {}

func (r *Relay) OnConnected(c *peer.Connection) {
	util.LogSuccess("%s joined (session %s)", c, c.SessionID())
	r.broadcast(c, fmt.Sprintf("* %08x joined", util.EndpointID(c.Endpoint())))
}

func (r *Relay) OnDisconnecting(*peer.Connection, peer.DisconnectCause) {}

func (r *Relay) OnDisconnected(c *peer.Connection, cause peer.DisconnectCause) {
	util.LogInfo("%s left: %s", c, cause)
	r.broadcast(c, fmt.Sprintf("* %08x left (%s)", util.EndpointID(c.Endpoint()), cause))
}

func (r *Relay) OnSegmentReceived(c *peer.Connection, seg *protocol.Segment) {
	if seg.Type() != ChatType {
		util.LogDebug("%s ignored segment %s", c, seg.Type())
		return
	}
	text, ok := seg.ReadString()
	if !ok {
		util.LogWarning("%s sent a malformed chat line", c)
		return
	}
	r.broadcast(c, fmt.Sprintf("[%08x] %s", util.EndpointID(c.Endpoint()), text))
}

func (r *Relay) broadcast(from *peer.Connection, line string) {
	p := r.peers.Load()
	if p == nil {
		return
	}
	for _, c := range (*p).Connections() {
		if c == from || c.State() != peer.StateConnected {
			continue
		}
		if err := SendChat(c, line); err != nil {
			util.LogDebug("%s relay failed: %v", c, err)
		}
	}
}

// SendChat queues line as one reliable chat segment on c.
func SendChat(c *peer.Connection, line string) error {
	if len(line)+2 > protocol.MaxPayloadSize {
		return fmt.Errorf("line of %d bytes does not fit a segment", len(line))
	}
	seg := c.GetFreeSegment(ChatType)
	if seg == nil {
		return protocol.ErrPoolExhausted
	}
	seg.WriteString(line)
	if !c.SendReliable(seg, nil) {
		seg.Release()
		return peer.ErrNotConnected
	}
	return nil
}
