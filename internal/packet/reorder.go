package packet

import (
	"container/heap"

	"github.com/1ureka/lambdanet/internal/protocol"
)

// reorderBuffer releases reliable segments strictly in reliable-UID order,
// holding early arrivals and discarding duplicates.
type reorderBuffer struct {
	expected uint32
	held     map[uint32]struct{}
	buffer   segmentHeap
}

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{expected: 1, held: make(map[uint32]struct{})}
}

// feed accepts seg and appends every segment that is now deliverable to out.
// Duplicates are returned to their pool.
func (r *reorderBuffer) feed(seg *protocol.Segment, out []*protocol.Segment) []*protocol.Segment {
	uid := seg.ReliableUID()

	if protocol.SequenceLess(uid, r.expected) {
		seg.Release()
		return out
	}

	if uid != r.expected {
		if _, dup := r.held[uid]; dup {
			seg.Release()
			return out
		}
		r.held[uid] = struct{}{}
		heap.Push(&r.buffer, seg)
		return out
	}

	out = append(out, seg)
	r.expected = nextReliableUID(r.expected)

	for r.buffer.Len() > 0 && r.buffer[0].ReliableUID() == r.expected {
		next := heap.Pop(&r.buffer).(*protocol.Segment)
		delete(r.held, next.ReliableUID())
		out = append(out, next)
		r.expected = nextReliableUID(r.expected)
	}
	return out
}

// pending returns the number of held segments.
func (r *reorderBuffer) pending() int { return r.buffer.Len() }

// release frees every held segment.
func (r *reorderBuffer) release() {
	for _, seg := range r.buffer {
		seg.Release()
	}
	r.buffer = r.buffer[:0]
	clear(r.held)
}

// ---------------------------------------------------------------------------
// segmentHeap implements a min-heap sorted by reliable UID.
// ---------------------------------------------------------------------------

type segmentHeap []*protocol.Segment

func (h segmentHeap) Len() int { return len(h) }
func (h segmentHeap) Less(i, j int) bool {
	return protocol.SequenceLess(h[i].ReliableUID(), h[j].ReliableUID())
}
func (h segmentHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *segmentHeap) Push(x interface{}) { *h = append(*h, x.(*protocol.Segment)) }

func (h *segmentHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return item
}
