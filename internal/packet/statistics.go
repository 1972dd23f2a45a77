// Package packet implements the per-connection reliability protocol:
// sequence numbering, piggybacked ack bitsets, the reliable retry queue,
// loss detection and in-order delivery of reliable segments.
package packet

import (
	"sync"
	"time"

	"github.com/1ureka/lambdanet/internal/protocol"
)

// Statistics holds the counters of one connection. It is written by the
// owning manager (and by the connection for remote-reported values) and may
// be read from any goroutine.
type Statistics struct {
	mu sync.RWMutex

	localSalt  uint64
	remoteSalt uint64

	packetsSent     uint32
	packetsReceived uint32
	packetsLost     uint32
	bytesSent       uint64
	bytesReceived   uint64

	segmentsSent         uint64
	segmentsReceived     uint64
	reliableSegmentsSent uint64
	segmentsResent       uint64

	remotePacketsSent     uint32
	remotePacketsReceived uint32

	lastSentSequence     uint32
	lastReceivedSequence uint32
	receivedBits         uint64
	lastReceivedAck      uint32
	ackBits              uint64
	lastReliableUID      uint32

	ping         time.Duration
	lastSent     time.Time
	lastReceived time.Time
}

// StatisticsSnapshot is a point-in-time copy of Statistics.
type StatisticsSnapshot struct {
	LocalSalt  uint64
	RemoteSalt uint64

	PacketsSent     uint32
	PacketsReceived uint32
	PacketsLost     uint32
	BytesSent       uint64
	BytesReceived   uint64

	SegmentsSent         uint64
	SegmentsReceived     uint64
	ReliableSegmentsSent uint64
	SegmentsResent       uint64

	RemotePacketsSent     uint32
	RemotePacketsReceived uint32

	LastSentSequence     uint32
	LastReceivedSequence uint32
	ReceivedBits         uint64
	LastReceivedAck      uint32
	AckBits              uint64
	LastReliableUID      uint32

	Ping         time.Duration
	LastSent     time.Time
	LastReceived time.Time
}

// PacketLossRate is lost / sent, or 0 before anything was sent.
func (s StatisticsSnapshot) PacketLossRate() float64 {
	if s.PacketsSent == 0 {
		return 0
	}
	return float64(s.PacketsLost) / float64(s.PacketsSent)
}

// NewStatistics creates statistics with a fresh random local salt.
func NewStatistics() *Statistics {
	return &Statistics{localSalt: protocol.RandomSalt()}
}

func (s *Statistics) Snapshot() StatisticsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StatisticsSnapshot{
		LocalSalt:             s.localSalt,
		RemoteSalt:            s.remoteSalt,
		PacketsSent:           s.packetsSent,
		PacketsReceived:       s.packetsReceived,
		PacketsLost:           s.packetsLost,
		BytesSent:             s.bytesSent,
		BytesReceived:         s.bytesReceived,
		SegmentsSent:          s.segmentsSent,
		SegmentsReceived:      s.segmentsReceived,
		ReliableSegmentsSent:  s.reliableSegmentsSent,
		SegmentsResent:        s.segmentsResent,
		RemotePacketsSent:     s.remotePacketsSent,
		RemotePacketsReceived: s.remotePacketsReceived,
		LastSentSequence:      s.lastSentSequence,
		LastReceivedSequence:  s.lastReceivedSequence,
		ReceivedBits:          s.receivedBits,
		LastReceivedAck:       s.lastReceivedAck,
		AckBits:               s.ackBits,
		LastReliableUID:       s.lastReliableUID,
		Ping:                  s.ping,
		LastSent:              s.lastSent,
		LastReceived:          s.lastReceived,
	}
}

func (s *Statistics) LocalSalt() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localSalt
}

func (s *Statistics) RemoteSalt() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteSalt
}

func (s *Statistics) Ping() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ping
}

func (s *Statistics) PacketsSent() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.packetsSent
}

func (s *Statistics) PacketsReceived() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.packetsReceived
}

func (s *Statistics) PacketsLost() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.packetsLost
}

func (s *Statistics) PacketLossRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.packetsSent == 0 {
		return 0
	}
	return float64(s.packetsLost) / float64(s.packetsSent)
}

// SetRemoteSalt records the peer's salt learned during the handshake.
func (s *Statistics) SetRemoteSalt(v uint64) {
	s.mu.Lock()
	s.remoteSalt = v
	s.mu.Unlock()
}

// SetRemotePacketCounts records the counters the peer reported in a PING.
func (s *Statistics) SetRemotePacketCounts(sent, received uint32) {
	s.mu.Lock()
	s.remotePacketsSent = sent
	s.remotePacketsReceived = received
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Manager-side mutators
// ---------------------------------------------------------------------------

func (s *Statistics) registerPacketSent(seq uint32, bytes, segments, reliable int, now time.Time) {
	s.mu.Lock()
	s.packetsSent++
	s.bytesSent += uint64(bytes)
	s.segmentsSent += uint64(segments)
	s.reliableSegmentsSent += uint64(reliable)
	s.lastSentSequence = seq
	s.lastSent = now
	s.mu.Unlock()
}

func (s *Statistics) registerPacketReceived(bytes, segments int, now time.Time) {
	s.mu.Lock()
	s.packetsReceived++
	s.bytesReceived += uint64(bytes)
	s.segmentsReceived += uint64(segments)
	s.lastReceived = now
	s.mu.Unlock()
}

func (s *Statistics) registerPacketLoss(n int) {
	s.mu.Lock()
	s.packetsLost += uint32(n)
	s.mu.Unlock()
}

func (s *Statistics) registerResend() {
	s.mu.Lock()
	s.segmentsResent++
	s.mu.Unlock()
}

func (s *Statistics) setReceiveWindow(last uint32, bits uint64) {
	s.mu.Lock()
	s.lastReceivedSequence = last
	s.receivedBits = bits
	s.mu.Unlock()
}

func (s *Statistics) setAckWindow(ack uint32, bits uint64) {
	s.mu.Lock()
	s.lastReceivedAck = ack
	s.ackBits = bits
	s.mu.Unlock()
}

func (s *Statistics) setLastReliableUID(uid uint32) {
	s.mu.Lock()
	s.lastReliableUID = uid
	s.mu.Unlock()
}

// registerRTT folds a round-trip sample into the smoothed ping.
func (s *Statistics) registerRTT(sample time.Duration) {
	s.mu.Lock()
	if s.ping == 0 {
		s.ping = sample
	} else {
		s.ping += (sample - s.ping) / 8
	}
	s.mu.Unlock()
}
