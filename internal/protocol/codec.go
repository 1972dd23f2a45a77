package protocol

import (
	"encoding/binary"
	"fmt"
)

// Datagram framing:
//
//	Size(2) | Salt(8) | Sequence(4) | Ack(4) | AckBits(8) | SegmentCount(1) | segments...
//
// and each segment:
//
//	Size(2) | Type(2) | UID(4) | ReliableUID(4) | payload
//
// All fields are big-endian. A segment's wire Size includes its header.
const (
	DatagramHeaderSize     = 27
	MaxDatagramSize        = DatagramHeaderSize + MaxSegmentSize
	MaxSegmentsPerDatagram = 255
)

// DatagramHeader precedes the segments of every datagram.
type DatagramHeader struct {
	Size         uint16 // total datagram bytes, filled in by EncodeDatagram
	Salt         uint64 // sender's local salt
	Sequence     uint32
	Ack          uint32 // most recent sequence received from the peer
	AckBits      uint64 // bit i set => Ack-1-i received
	SegmentCount uint8
}

// EncodedSize is the number of wire bytes seg occupies.
func EncodedSize(seg *Segment) int {
	return HeaderSize + seg.writeHead
}

// EncodeDatagram writes hdr and segs into buf and returns the byte count.
func EncodeDatagram(buf []byte, hdr DatagramHeader, segs []*Segment) (int, error) {
	if len(segs) > MaxSegmentsPerDatagram {
		return 0, fmt.Errorf("%w: %d segments", ErrDatagramOverflow, len(segs))
	}

	total := DatagramHeaderSize
	for _, seg := range segs {
		total += EncodedSize(seg)
	}
	if total > MaxDatagramSize || total > len(buf) {
		return 0, fmt.Errorf("%w: %d bytes", ErrDatagramOverflow, total)
	}

	binary.BigEndian.PutUint16(buf[0:2], uint16(total))
	binary.BigEndian.PutUint64(buf[2:10], hdr.Salt)
	binary.BigEndian.PutUint32(buf[10:14], hdr.Sequence)
	binary.BigEndian.PutUint32(buf[14:18], hdr.Ack)
	binary.BigEndian.PutUint64(buf[18:26], hdr.AckBits)
	buf[26] = uint8(len(segs))

	off := DatagramHeaderSize
	for _, seg := range segs {
		off += encodeSegment(buf[off:], seg)
	}
	return total, nil
}

func encodeSegment(b []byte, seg *Segment) int {
	n := EncodedSize(seg)
	binary.BigEndian.PutUint16(b[0:2], uint16(n))
	binary.BigEndian.PutUint16(b[2:4], uint16(seg.typ))
	binary.BigEndian.PutUint32(b[4:8], seg.uid)
	binary.BigEndian.PutUint32(b[8:12], seg.reliableUID)
	copy(b[HeaderSize:n], seg.payload[:seg.writeHead])
	return n
}

// DecodeDatagramHeader parses and validates the datagram header.
func DecodeDatagramHeader(data []byte) (DatagramHeader, error) {
	if len(data) < DatagramHeaderSize {
		return DatagramHeader{}, fmt.Errorf("%w: %d bytes (need at least %d)", ErrMalformedDatagram, len(data), DatagramHeaderSize)
	}

	hdr := DatagramHeader{
		Size:         binary.BigEndian.Uint16(data[0:2]),
		Salt:         binary.BigEndian.Uint64(data[2:10]),
		Sequence:     binary.BigEndian.Uint32(data[10:14]),
		Ack:          binary.BigEndian.Uint32(data[14:18]),
		AckBits:      binary.BigEndian.Uint64(data[18:26]),
		SegmentCount: data[26],
	}
	if int(hdr.Size) != len(data) {
		return DatagramHeader{}, fmt.Errorf("%w: size field %d, got %d bytes", ErrMalformedDatagram, hdr.Size, len(data))
	}
	return hdr, nil
}

// DecodeDatagram decodes a whole datagram into segments borrowed from pool.
// The datagram is validated before anything is borrowed, and borrowing is
// all-or-nothing, so on error no segment is left outstanding.
func DecodeDatagram(data []byte, pool *SegmentPool, borrower string) (DatagramHeader, []*Segment, error) {
	hdr, err := DecodeDatagramHeader(data)
	if err != nil {
		return hdr, nil, err
	}

	off := DatagramHeaderSize
	for i := 0; i < int(hdr.SegmentCount); i++ {
		if off+HeaderSize > len(data) {
			return hdr, nil, fmt.Errorf("%w: truncated segment header %d", ErrMalformedDatagram, i)
		}
		n := int(binary.BigEndian.Uint16(data[off : off+2]))
		if n < HeaderSize || n > MaxSegmentSize || off+n > len(data) {
			return hdr, nil, fmt.Errorf("%w: bad segment size %d", ErrMalformedDatagram, n)
		}
		off += n
	}
	if off != len(data) {
		return hdr, nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedDatagram, len(data)-off)
	}

	if hdr.SegmentCount == 0 {
		return hdr, nil, nil
	}

	segs, err := pool.RequestFreeSegments(int(hdr.SegmentCount), borrower)
	if err != nil {
		return hdr, nil, err
	}

	off = DatagramHeaderSize
	for _, seg := range segs {
		n := int(binary.BigEndian.Uint16(data[off : off+2]))
		seg.typ = SegmentType(binary.BigEndian.Uint16(data[off+2 : off+4]))
		seg.uid = binary.BigEndian.Uint32(data[off+4 : off+8])
		seg.reliableUID = binary.BigEndian.Uint32(data[off+8 : off+12])
		seg.writeHead = copy(seg.payload[:], data[off+HeaderSize:off+n])
		seg.readHead = 0
		seg.remoteSalt = hdr.Salt
		off += n
	}
	return hdr, segs, nil
}
