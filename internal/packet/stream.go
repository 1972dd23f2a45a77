package packet

import (
	"time"

	"github.com/1ureka/lambdanet/internal/protocol"
	"github.com/1ureka/lambdanet/internal/util"
)

// StreamManager is the variant for ordered, lossless carriers such as
// WebSocket. Nothing is resent; each received reliable segment is answered
// with a NETWORK_ACK segment carrying its reliable UID, and incoming
// NETWORK_ACK segments settle delivery and are never handed to the caller.
type StreamManager struct {
	base
}

var _ Manager = (*StreamManager)(nil)

// NewStreamManager creates a manager that borrows from pool.
func NewStreamManager(cfg Config, pool *protocol.SegmentPool) *StreamManager {
	return &StreamManager{base: newBase(cfg, pool)}
}

func (m *StreamManager) Receive(hdr protocol.DatagramHeader, segs []*protocol.Segment, now time.Time) []*protocol.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recv.mark(hdr.Sequence)
	m.stats.setReceiveWindow(m.recv.last, m.recv.bits)
	m.stats.registerPacketReceived(int(hdr.Size), len(segs), now)

	out := make([]*protocol.Segment, 0, len(segs))
	for _, seg := range segs {
		if seg.Type() == protocol.TypeNetworkAck {
			if uid, ok := seg.ReadUint32(); ok {
				if rec, found := m.byUID[uid]; found {
					m.stats.registerRTT(now.Sub(rec.lastSent))
					m.completeLocked(rec, EventDelivered)
				}
			}
			seg.Release()
			continue
		}

		if seg.IsReliable() {
			m.stats.setLastReliableUID(seg.ReliableUID())
			m.queueAckLocked(seg.ReliableUID())
		}
		out = append(out, seg)
	}
	m.compactLocked()
	return out
}

func (m *StreamManager) queueAckLocked(uid uint32) {
	ack := m.pool.RequestFreeSegment(m.cfg.Borrower)
	if ack == nil {
		util.LogWarning("no segment left to acknowledge reliable uid %d", uid)
		return
	}
	ack.SetType(protocol.TypeNetworkAck)
	ack.WriteUint32(uid)
	if err := m.enqueueUnreliableLocked(ack); err != nil {
		ack.Release()
	}
}

// Tick is a no-op: the carrier already guarantees delivery.
func (m *StreamManager) Tick(time.Time) {}

// Reset frees every segment the manager holds.
func (m *StreamManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetLocked()
	m.sent.clear()
}
