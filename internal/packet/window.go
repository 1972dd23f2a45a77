package packet

import (
	"time"

	"github.com/1ureka/lambdanet/internal/protocol"
)

// ackWindowSize is the number of sequences covered by an ack bitset.
const ackWindowSize = 64

// receiveWindow tracks which recent sequences were received, relative to the
// newest one. Bit i of bits set means last-1-i was received.
type receiveWindow struct {
	started bool
	last    uint32
	bits    uint64
}

// mark records seq and reports whether it was a duplicate or too old to be
// represented in the window.
func (w *receiveWindow) mark(seq uint32) (duplicate bool) {
	if !w.started {
		w.started = true
		w.last = seq
		w.bits = 0
		return false
	}

	if seq == w.last {
		return true
	}

	if protocol.SequenceGreater(seq, w.last) {
		shift := seq - w.last
		if shift > ackWindowSize {
			w.bits = 0
		} else {
			// The previous newest becomes bit shift-1.
			w.bits = (w.bits << shift) | (1 << (shift - 1))
		}
		w.last = seq
		return false
	}

	back := w.last - seq
	if back > ackWindowSize {
		return true
	}
	bit := uint64(1) << (back - 1)
	if w.bits&bit != 0 {
		return true
	}
	w.bits |= bit
	return false
}

// sentBufferSize bounds how many datagrams can be in flight and still be
// matched against an incoming ack.
const sentBufferSize = 1024

type sentRecord struct {
	valid        bool
	seq          uint32
	sentAt       time.Time
	acked        bool
	lost         bool
	reliableUIDs []uint32
}

// sentBuffer is a ring of per-datagram send records indexed by sequence.
type sentBuffer struct {
	entries [sentBufferSize]sentRecord
}

func (b *sentBuffer) insert(seq uint32, now time.Time, uids []uint32) {
	e := &b.entries[seq%sentBufferSize]
	e.valid = true
	e.seq = seq
	e.sentAt = now
	e.acked = false
	e.lost = false
	e.reliableUIDs = append(e.reliableUIDs[:0], uids...)
}

func (b *sentBuffer) find(seq uint32) *sentRecord {
	e := &b.entries[seq%sentBufferSize]
	if !e.valid || e.seq != seq {
		return nil
	}
	return e
}

func (b *sentBuffer) clear() {
	for i := range b.entries {
		b.entries[i] = sentRecord{}
	}
}
