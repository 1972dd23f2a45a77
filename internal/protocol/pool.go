package protocol

import (
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/lambdanet/internal/util"
)

// SegmentPool owns a fixed array of segments created once at construction.
// Every slot is either free or borrowed; a per-slot flag makes a second free
// of the same segment an error instead of a corrupted free list.
type SegmentPool struct {
	mu        sync.Mutex
	segments  []Segment
	free      []int // stack of free slot indices
	borrowed  []bool
	borrowers []string
}

// NewSegmentPool preallocates size segments.
func NewSegmentPool(size int) *SegmentPool {
	if size <= 0 {
		size = 1
	}

	p := &SegmentPool{
		segments:  make([]Segment, size),
		free:      make([]int, size),
		borrowed:  make([]bool, size),
		borrowers: make([]string, size),
	}

	for i := range p.segments {
		p.segments[i].pool = p
		p.segments[i].index = i
		p.segments[i].reset()
		// Hand out low indices first.
		p.free[i] = size - 1 - i
	}

	return p
}

// RequestFreeSegment borrows a reset segment. It returns nil and logs an
// error when the pool is empty; callers treat that as backpressure.
func (p *SegmentPool) RequestFreeSegment(borrower string) *Segment {
	p.mu.Lock()
	defer p.mu.Unlock()

	seg := p.popLocked(borrower)
	if seg == nil {
		util.LogError("segment pool exhausted (size=%d, borrower=%s)", len(p.segments), borrower)
	}
	return seg
}

// RequestFreeSegments borrows n segments or none at all.
func (p *SegmentPool) RequestFreeSegments(n int, borrower string) ([]*Segment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n > len(p.free) {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrPoolExhausted, n, len(p.free))
	}

	segs := make([]*Segment, n)
	for i := range segs {
		segs[i] = p.popLocked(borrower)
	}
	return segs, nil
}

func (p *SegmentPool) popLocked(borrower string) *Segment {
	if len(p.free) == 0 {
		return nil
	}

	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.borrowed[idx] = true
	p.borrowers[idx] = borrower

	seg := &p.segments[idx]
	seg.reset()
	return seg
}

// FreeSegment returns seg to the pool.
func (p *SegmentPool) FreeSegment(seg *Segment) error {
	if seg == nil {
		return nil
	}
	if seg.pool != p {
		return ErrForeignSegment
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.borrowed[seg.index] {
		return fmt.Errorf("%w: %s", ErrNotBorrowed, seg)
	}

	p.borrowed[seg.index] = false
	p.borrowers[seg.index] = ""
	seg.reset()
	p.free = append(p.free, seg.index)
	return nil
}

// FreeSegments frees every segment in segs and joins the errors.
func (p *SegmentPool) FreeSegments(segs []*Segment) error {
	var errs []error
	for _, seg := range segs {
		if err := p.FreeSegment(seg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Borrower returns the tag recorded when seg was borrowed.
func (p *SegmentPool) Borrower(seg *Segment) (string, bool) {
	if seg == nil || seg.pool != p {
		return "", false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.borrowers[seg.index], p.borrowed[seg.index]
}

func (p *SegmentPool) Size() int { return len(p.segments) }

func (p *SegmentPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *SegmentPool) Borrowed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.segments) - len(p.free)
}
