package protocol

import "errors"

// Sentinel errors returned by the pool and the codec.
var (
	ErrPoolExhausted     = errors.New("segment pool exhausted")
	ErrNotBorrowed       = errors.New("segment is not borrowed")
	ErrForeignSegment    = errors.New("segment does not belong to this pool")
	ErrSegmentQueued     = errors.New("segment is already queued")
	ErrDatagramOverflow  = errors.New("datagram size budget exceeded")
	ErrMalformedDatagram = errors.New("malformed datagram")
)
