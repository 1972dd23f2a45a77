package packet

import (
	"time"

	"github.com/1ureka/lambdanet/internal/protocol"
	"github.com/1ureka/lambdanet/internal/util"
)

// UDPManager is the datagram variant: acks ride on every outgoing datagram
// header, reliable segments are resent on a timer and reordered on receipt.
type UDPManager struct {
	base

	ackStarted bool
	lastAck    uint32
	reorder    *reorderBuffer
}

var _ Manager = (*UDPManager)(nil)

// NewUDPManager creates a manager that borrows from pool.
func NewUDPManager(cfg Config, pool *protocol.SegmentPool) *UDPManager {
	return &UDPManager{
		base:    newBase(cfg, pool),
		reorder: newReorderBuffer(),
	}
}

// Receive applies one decoded datagram: it updates the receive window,
// settles acknowledged reliable segments and returns the segments ready for
// delivery, reliable ones in reliable-UID order. Duplicate datagrams are
// freed and yield nothing.
func (m *UDPManager) Receive(hdr protocol.DatagramHeader, segs []*protocol.Segment, now time.Time) []*protocol.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recv.mark(hdr.Sequence) {
		for _, seg := range segs {
			seg.Release()
		}
		return nil
	}
	m.stats.setReceiveWindow(m.recv.last, m.recv.bits)
	m.stats.registerPacketReceived(int(hdr.Size), len(segs), now)

	if len(segs) > 0 {
		m.ackPending = true
	}
	m.processAcksLocked(hdr.Ack, hdr.AckBits, now)

	out := make([]*protocol.Segment, 0, len(segs))
	for _, seg := range segs {
		if !seg.IsReliable() {
			out = append(out, seg)
			continue
		}
		m.stats.setLastReliableUID(seg.ReliableUID())
		out = m.reorder.feed(seg, out)
	}
	return out
}

// processAcksLocked settles every sequence the peer reports as received and
// counts as lost the sequences that slid out of the ack window unacked.
// Sequences that were never inside any received window (the peer's ack
// jumped by more than the window) cannot be judged and are not counted.
func (m *UDPManager) processAcksLocked(ack uint32, bits uint64, now time.Time) {
	if ack == 0 && bits == 0 {
		return // peer has not received anything yet
	}

	m.ackLocked(ack, now)
	for i := uint32(0); i < ackWindowSize; i++ {
		if bits&(uint64(1)<<i) != 0 {
			m.ackLocked(ack-1-i, now)
		}
	}

	if !m.ackStarted {
		m.ackStarted = true
		m.lastAck = ack
		m.stats.setAckWindow(ack, bits)
		return
	}

	if !protocol.SequenceGreater(ack, m.lastAck) {
		return
	}

	lost := 0
	end := ack - ackWindowSize
	stop := m.lastAck + 1
	for seq := m.lastAck - ackWindowSize; seq != end && seq != stop; seq++ {
		rec := m.sent.find(seq)
		if rec != nil && !rec.acked && !rec.lost {
			rec.lost = true
			lost++
		}
	}
	if lost > 0 {
		util.LogDebug("ack %d marks %d datagram(s) lost", ack, lost)
		m.stats.registerPacketLoss(lost)
	}

	m.lastAck = ack
	m.stats.setAckWindow(ack, bits)
}

func (m *UDPManager) ackLocked(seq uint32, now time.Time) {
	rec := m.sent.find(seq)
	if rec == nil || rec.acked {
		return
	}
	rec.acked = true
	m.stats.registerRTT(now.Sub(rec.sentAt))

	for _, uid := range rec.reliableUIDs {
		if r, ok := m.byUID[uid]; ok {
			m.completeLocked(r, EventDelivered)
		}
	}
}

// Tick applies the resend policy. An in-flight reliable segment older than
// the resend interval is queued again; once it has been sent MaxTries times
// it is dropped with EventMaxTriesReached instead.
func (m *UDPManager) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.records {
		if rec.done || rec.pending || now.Sub(rec.lastSent) <= m.cfg.ResendInterval {
			continue
		}

		if m.cfg.MaxTries > 0 && rec.tries >= m.cfg.MaxTries {
			m.completeLocked(rec, EventMaxTriesReached)
			continue
		}

		rec.pending = true
		m.stats.registerResend()
		m.events = append(m.events, DeliveryEvent{Kind: EventResent, Info: rec.info(), Listener: rec.listener})
	}
	m.compactLocked()
}

// Reset frees every segment the manager holds.
func (m *UDPManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetLocked()
	m.reorder.release()
	m.sent.clear()
}
