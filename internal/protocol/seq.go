package protocol

const halfRange = 1 << 31

// SequenceGreater reports whether a is newer than b under modular
// comparison: a counts as newer when it is ahead of b by at most half the
// u32 space.
func SequenceGreater(a, b uint32) bool {
	return (a > b && a-b <= halfRange) || (a < b && b-a > halfRange)
}

// SequenceLess is the mirror of SequenceGreater.
func SequenceLess(a, b uint32) bool {
	return SequenceGreater(b, a)
}
