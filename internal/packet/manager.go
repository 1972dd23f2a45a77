package packet

import (
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/lambdanet/internal/protocol"
	"github.com/1ureka/lambdanet/internal/util"
)

// DeliveryInfo identifies a reliable segment in delivery callbacks. The
// segment itself is already back in its pool when callbacks run.
type DeliveryInfo struct {
	Type        protocol.SegmentType
	UID         uint32
	ReliableUID uint32
	Tries       int
}

// DeliveryListener observes the fate of a reliable segment.
type DeliveryListener interface {
	OnPacketDelivered(info DeliveryInfo)
	OnPacketResent(info DeliveryInfo)
	OnPacketMaxTriesReached(info DeliveryInfo)
}

// EventKind tells which DeliveryListener method an event maps to.
type EventKind uint8

const (
	EventDelivered EventKind = iota + 1
	EventResent
	EventMaxTriesReached
)

func (k EventKind) String() string {
	switch k {
	case EventDelivered:
		return "delivered"
	case EventResent:
		return "resent"
	case EventMaxTriesReached:
		return "max-tries-reached"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// DeliveryEvent is produced by a manager and dispatched later, outside of
// any protocol lock, by the connection's tick.
type DeliveryEvent struct {
	Kind     EventKind
	Info     DeliveryInfo
	Listener DeliveryListener
}

// Dispatch invokes the matching listener method, if any.
func (e DeliveryEvent) Dispatch() {
	if e.Listener == nil {
		return
	}
	switch e.Kind {
	case EventDelivered:
		e.Listener.OnPacketDelivered(e.Info)
	case EventResent:
		e.Listener.OnPacketResent(e.Info)
	case EventMaxTriesReached:
		e.Listener.OnPacketMaxTriesReached(e.Info)
	}
}

// EmitFunc writes one datagram. The segments are only valid for the call.
type EmitFunc func(hdr protocol.DatagramHeader, segs []*protocol.Segment) error

// Manager owns the reliability protocol of one connection. All methods are
// safe for concurrent use: Flush runs on the transmitter goroutine, Receive
// on the receiver goroutine and Tick on the fixed-tick goroutine.
type Manager interface {
	EnqueueReliable(seg *protocol.Segment, listener DeliveryListener) error
	EnqueueUnreliable(seg *protocol.Segment) error
	Flush(now time.Time, emit EmitFunc) error
	Receive(hdr protocol.DatagramHeader, segs []*protocol.Segment, now time.Time) []*protocol.Segment
	Tick(now time.Time)
	DrainEvents() []DeliveryEvent
	PendingReliable() int
	Statistics() *Statistics
	Pool() *protocol.SegmentPool
	Reset()
}

// Config tunes a manager.
type Config struct {
	MaxTries       int           // 0 means unbounded
	ResendInterval time.Duration // UDP only
	Borrower       string        // pool tag for segments the manager borrows itself
}

type reliableRecord struct {
	seg      *protocol.Segment
	uid      uint32
	tries    int
	lastSent time.Time
	listener DeliveryListener
	pending  bool // waiting for the next Flush
	done     bool
}

func (r *reliableRecord) info() DeliveryInfo {
	return DeliveryInfo{Type: r.seg.Type(), UID: r.seg.UID(), ReliableUID: r.uid, Tries: r.tries}
}

// nextReliableUID advances a reliable UID counter, skipping 0 which marks
// unreliable segments.
func nextReliableUID(uid uint32) uint32 {
	uid++
	if uid == 0 {
		uid = 1
	}
	return uid
}

// ---------------------------------------------------------------------------
// base: send queues shared by every manager variant
// ---------------------------------------------------------------------------

type base struct {
	mu    sync.Mutex
	cfg   Config
	pool  *protocol.SegmentPool
	stats *Statistics

	lastUID         uint32
	lastReliableUID uint32
	sequence        uint32

	unreliable []*protocol.Segment
	records    []*reliableRecord
	byUID      map[uint32]*reliableRecord

	recv       receiveWindow
	sent       sentBuffer
	ackPending bool // received segments since the last datagram we sent

	events []DeliveryEvent

	batch     []*protocol.Segment
	batchUIDs []uint32
}

func newBase(cfg Config, pool *protocol.SegmentPool) base {
	if cfg.Borrower == "" {
		cfg.Borrower = "packet-manager"
	}
	return base{
		cfg:   cfg,
		pool:  pool,
		stats: NewStatistics(),
		byUID: make(map[uint32]*reliableRecord),
	}
}

func (b *base) Statistics() *Statistics     { return b.stats }
func (b *base) Pool() *protocol.SegmentPool { return b.pool }

func (b *base) checkSegment(seg *protocol.Segment) error {
	if seg == nil {
		return fmt.Errorf("nil segment")
	}
	if seg.Pool() != b.pool {
		return protocol.ErrForeignSegment
	}
	if !seg.TryQueue() {
		return protocol.ErrSegmentQueued
	}
	return nil
}

// EnqueueReliable assigns seg the next reliable UID and queues it. The
// manager owns seg from here on.
func (b *base) EnqueueReliable(seg *protocol.Segment, listener DeliveryListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkSegment(seg); err != nil {
		return err
	}

	b.lastUID++
	b.lastReliableUID = nextReliableUID(b.lastReliableUID)
	seg.SetUID(b.lastUID)
	seg.SetReliableUID(b.lastReliableUID)

	rec := &reliableRecord{seg: seg, uid: b.lastReliableUID, listener: listener, pending: true}
	b.records = append(b.records, rec)
	b.byUID[rec.uid] = rec
	return nil
}

// EnqueueUnreliable queues seg for the next datagram. The manager owns seg
// from here on and frees it once sent.
func (b *base) EnqueueUnreliable(seg *protocol.Segment) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enqueueUnreliableLocked(seg)
}

func (b *base) enqueueUnreliableLocked(seg *protocol.Segment) error {
	if err := b.checkSegment(seg); err != nil {
		return err
	}
	b.lastUID++
	seg.SetUID(b.lastUID)
	seg.SetReliableUID(0)
	b.unreliable = append(b.unreliable, seg)
	return nil
}

// DrainEvents hands over the delivery events produced since the last call.
func (b *base) DrainEvents() []DeliveryEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	evs := b.events
	b.events = nil
	return evs
}

// PendingReliable returns the number of reliable segments not yet acked.
func (b *base) PendingReliable() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byUID)
}

// completeLocked retires rec, frees its segment and records the event.
func (b *base) completeLocked(rec *reliableRecord, kind EventKind) {
	if rec.done {
		return
	}
	rec.done = true
	delete(b.byUID, rec.uid)

	b.events = append(b.events, DeliveryEvent{Kind: kind, Info: rec.info(), Listener: rec.listener})

	rec.seg.Dequeue()
	rec.seg.Release()
	rec.seg = nil
}

// compactLocked drops retired records while keeping UID order.
func (b *base) compactLocked() {
	n := 0
	for _, rec := range b.records {
		if !rec.done {
			b.records[n] = rec
			n++
		}
	}
	clear(b.records[n:])
	b.records = b.records[:n]
}

func (b *base) hasPendingLocked() bool {
	for _, rec := range b.records {
		if !rec.done && rec.pending {
			return true
		}
	}
	return false
}

// Flush packs queued segments into as many datagrams as needed: unreliable
// segments first, then pending reliable segments oldest first. If nothing is
// queued but received data still needs acknowledging, one empty datagram is
// sent to carry the ack fields.
func (b *base) Flush(now time.Time, emit EmitFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.compactLocked()

	for {
		batch := b.batch[:0]
		uids := b.batchUIDs[:0]
		size := protocol.DatagramHeaderSize

		taken := 0
		for taken < len(b.unreliable) && len(batch) < protocol.MaxSegmentsPerDatagram {
			n := protocol.EncodedSize(b.unreliable[taken])
			if size+n > protocol.MaxDatagramSize {
				break
			}
			batch = append(batch, b.unreliable[taken])
			size += n
			taken++
		}
		rest := copy(b.unreliable, b.unreliable[taken:])
		clear(b.unreliable[rest:])
		b.unreliable = b.unreliable[:rest]
		unreliableCount := len(batch)

		firstSends := 0
		for _, rec := range b.records {
			if rec.done || !rec.pending {
				continue
			}
			n := protocol.EncodedSize(rec.seg)
			if size+n > protocol.MaxDatagramSize || len(batch) == protocol.MaxSegmentsPerDatagram {
				break
			}
			batch = append(batch, rec.seg)
			uids = append(uids, rec.uid)
			size += n

			rec.pending = false
			rec.tries++
			rec.lastSent = now
			if rec.tries == 1 {
				firstSends++
			}
		}

		if len(batch) == 0 && !b.ackPending {
			b.batch, b.batchUIDs = batch, uids
			return nil
		}

		b.sequence++
		hdr := protocol.DatagramHeader{
			Salt:     b.stats.LocalSalt(),
			Sequence: b.sequence,
			Ack:      b.recv.last,
			AckBits:  b.recv.bits,
		}
		b.sent.insert(b.sequence, now, uids)
		b.ackPending = false
		count := len(batch)

		err := emit(hdr, batch)

		for _, seg := range batch[:unreliableCount] {
			seg.Dequeue()
			seg.Release()
		}
		clear(batch)
		b.batch, b.batchUIDs = batch[:0], uids[:0]

		if err != nil {
			util.LogWarning("datagram %d (%d segment(s)) not sent: %v", hdr.Sequence, count, err)
			return err
		}
		b.stats.registerPacketSent(hdr.Sequence, size, count, firstSends, now)

		if len(b.unreliable) == 0 && !b.hasPendingLocked() {
			return nil
		}
	}
}

// resetLocked frees every queued and in-flight segment.
func (b *base) resetLocked() {
	for _, seg := range b.unreliable {
		seg.Dequeue()
		seg.Release()
	}
	clear(b.unreliable)
	b.unreliable = b.unreliable[:0]

	for _, rec := range b.records {
		if !rec.done && rec.seg != nil {
			rec.seg.Dequeue()
			rec.seg.Release()
			rec.seg = nil
			rec.done = true
		}
	}
	clear(b.records)
	b.records = b.records[:0]
	clear(b.byUID)
	b.events = nil
	b.ackPending = false
}
