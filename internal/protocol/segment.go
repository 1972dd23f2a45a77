// Package protocol defines the segment and datagram wire format of the
// reliable-UDP transport, together with the segment pool, sequence number
// arithmetic and the handshake challenge hash.
package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Wire size constants.
const (
	HeaderSize     = 12   // Size(2) + Type(2) + UID(4) + ReliableUID(4)
	MaxSegmentSize = 1024 // header included
	MaxPayloadSize = MaxSegmentSize - HeaderSize
)

// SegmentType identifies the content of a segment. The top ten values of the
// u16 space are reserved for transport control; everything below is owned by
// the application.
type SegmentType uint16

// Reserved control types.
const (
	TypeUndefined SegmentType = math.MaxUint16 - iota
	TypePing
	TypeServerFull
	TypeServerNotAccepting
	TypeConnect
	TypeDisconnect
	TypeChallenge
	TypeAccepted
	TypeNetworkAck
	TypeNetworkDiscovery
)

// IsControl reports whether t is one of the reserved transport types.
func (t SegmentType) IsControl() bool {
	return t >= TypeNetworkDiscovery
}

func (t SegmentType) String() string {
	switch t {
	case TypeUndefined:
		return "UNDEFINED"
	case TypePing:
		return "PING"
	case TypeServerFull:
		return "SERVER_FULL"
	case TypeServerNotAccepting:
		return "SERVER_NOT_ACCEPTING"
	case TypeConnect:
		return "CONNECT"
	case TypeDisconnect:
		return "DISCONNECT"
	case TypeChallenge:
		return "CHALLENGE"
	case TypeAccepted:
		return "ACCEPTED"
	case TypeNetworkAck:
		return "NETWORK_ACK"
	case TypeNetworkDiscovery:
		return "NETWORK_DISCOVERY"
	}
	return fmt.Sprintf("TYPE_%d", uint16(t))
}

// Segment is a single protocol message: a fixed header and a fixed-capacity
// payload with independent read and write cursors. Segments are never
// allocated on their own; they are borrowed from a SegmentPool and returned
// to it with Release.
type Segment struct {
	typ         SegmentType
	uid         uint32
	reliableUID uint32
	remoteSalt  uint64

	payload   [MaxPayloadSize]byte
	writeHead int
	readHead  int

	// queued is set while a packet manager holds the segment in one of its
	// send queues. Guarded by that manager's lock.
	queued bool

	pool  *SegmentPool
	index int
}

// reset clears everything but the pool binding.
func (s *Segment) reset() {
	s.typ = TypeUndefined
	s.uid = 0
	s.reliableUID = 0
	s.remoteSalt = 0
	s.writeHead = 0
	s.readHead = 0
	s.queued = false
}

func (s *Segment) Type() SegmentType         { return s.typ }
func (s *Segment) SetType(t SegmentType)     { s.typ = t }
func (s *Segment) UID() uint32               { return s.uid }
func (s *Segment) SetUID(uid uint32)         { s.uid = uid }
func (s *Segment) ReliableUID() uint32       { return s.reliableUID }
func (s *Segment) SetReliableUID(uid uint32) { s.reliableUID = uid }

// RemoteSalt is the session salt of the endpoint that sent this segment,
// attached on receive.
func (s *Segment) RemoteSalt() uint64     { return s.remoteSalt }
func (s *Segment) SetRemoteSalt(v uint64) { s.remoteSalt = v }
func (s *Segment) IsReliable() bool       { return s.reliableUID != 0 }
func (s *Segment) Pool() *SegmentPool     { return s.pool }

// Size returns the number of payload bytes written.
func (s *Segment) Size() int { return s.writeHead }

// Payload returns the written part of the payload. The slice aliases the
// segment buffer and is only valid until the segment is released.
func (s *Segment) Payload() []byte { return s.payload[:s.writeHead] }

// Remaining returns the number of unread payload bytes.
func (s *Segment) Remaining() int { return s.writeHead - s.readHead }

// TryQueue marks the segment as queued. It returns false if the segment is
// already held by a send queue.
func (s *Segment) TryQueue() bool {
	if s.queued {
		return false
	}
	s.queued = true
	return true
}

// Dequeue clears the queued mark.
func (s *Segment) Dequeue()     { s.queued = false }
func (s *Segment) Queued() bool { return s.queued }

// Release returns the segment to its pool.
func (s *Segment) Release() error {
	if s.pool == nil {
		return ErrForeignSegment
	}
	return s.pool.FreeSegment(s)
}

func (s *Segment) ResetReadHead()  { s.readHead = 0 }
func (s *Segment) ResetWriteHead() { s.writeHead = 0; s.readHead = 0 }

// CopyFrom copies header fields and payload from other, leaving pool
// bookkeeping untouched.
func (s *Segment) CopyFrom(other *Segment) {
	s.typ = other.typ
	s.uid = other.uid
	s.reliableUID = other.reliableUID
	s.remoteSalt = other.remoteSalt
	s.writeHead = copy(s.payload[:], other.payload[:other.writeHead])
	s.readHead = 0
}

func (s *Segment) String() string {
	return fmt.Sprintf("%s uid=%d reliable=%d size=%d", s.typ, s.uid, s.reliableUID, s.writeHead)
}

// ---------------------------------------------------------------------------
// Writers: each returns false, writing nothing, if capacity would be exceeded.
// ---------------------------------------------------------------------------

func (s *Segment) grow(n int) ([]byte, bool) {
	if s.writeHead+n > MaxPayloadSize {
		return nil, false
	}
	b := s.payload[s.writeHead : s.writeHead+n]
	s.writeHead += n
	return b, true
}

func (s *Segment) WriteUint8(v uint8) bool {
	b, ok := s.grow(1)
	if ok {
		b[0] = v
	}
	return ok
}

func (s *Segment) WriteBool(v bool) bool {
	if v {
		return s.WriteUint8(1)
	}
	return s.WriteUint8(0)
}

func (s *Segment) WriteUint16(v uint16) bool {
	b, ok := s.grow(2)
	if ok {
		binary.BigEndian.PutUint16(b, v)
	}
	return ok
}

func (s *Segment) WriteUint32(v uint32) bool {
	b, ok := s.grow(4)
	if ok {
		binary.BigEndian.PutUint32(b, v)
	}
	return ok
}

func (s *Segment) WriteInt32(v int32) bool { return s.WriteUint32(uint32(v)) }

func (s *Segment) WriteUint64(v uint64) bool {
	b, ok := s.grow(8)
	if ok {
		binary.BigEndian.PutUint64(b, v)
	}
	return ok
}

func (s *Segment) WriteFloat32(v float32) bool { return s.WriteUint32(math.Float32bits(v)) }

func (s *Segment) WriteBytes(p []byte) bool {
	b, ok := s.grow(len(p))
	if ok {
		copy(b, p)
	}
	return ok
}

// WriteString writes a u16 length prefix followed by the string bytes.
func (s *Segment) WriteString(v string) bool {
	if len(v) > math.MaxUint16 || s.writeHead+2+len(v) > MaxPayloadSize {
		return false
	}
	s.WriteUint16(uint16(len(v)))
	return s.WriteBytes([]byte(v))
}

// ---------------------------------------------------------------------------
// Readers: each returns false if it would read past the written size.
// ---------------------------------------------------------------------------

func (s *Segment) take(n int) ([]byte, bool) {
	if s.readHead+n > s.writeHead {
		return nil, false
	}
	b := s.payload[s.readHead : s.readHead+n]
	s.readHead += n
	return b, true
}

func (s *Segment) ReadUint8() (uint8, bool) {
	b, ok := s.take(1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

func (s *Segment) ReadBool() (bool, bool) {
	v, ok := s.ReadUint8()
	return v != 0, ok
}

func (s *Segment) ReadUint16() (uint16, bool) {
	b, ok := s.take(2)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint16(b), true
}

func (s *Segment) ReadUint32() (uint32, bool) {
	b, ok := s.take(4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

func (s *Segment) ReadInt32() (int32, bool) {
	v, ok := s.ReadUint32()
	return int32(v), ok
}

func (s *Segment) ReadUint64() (uint64, bool) {
	b, ok := s.take(8)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint64(b), true
}

func (s *Segment) ReadFloat32() (float32, bool) {
	v, ok := s.ReadUint32()
	return math.Float32frombits(v), ok
}

// ReadBytes copies the next n bytes into a new slice.
func (s *Segment) ReadBytes(n int) ([]byte, bool) {
	b, ok := s.take(n)
	if !ok {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, b)
	return out, true
}

func (s *Segment) ReadString() (string, bool) {
	n, ok := s.ReadUint16()
	if !ok {
		return "", false
	}
	b, ok := s.take(int(n))
	if !ok {
		s.readHead -= 2
		return "", false
	}
	return string(b), true
}
