package protocol

import (
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// ChallengeAnswer hashes the two session salts of a connection. The salts
// are ordered before hashing so both ends compute the same answer from their
// own (local, remote) view.
func ChallengeAnswer(localSalt, remoteSalt uint64) uint64 {
	lo, hi := localSalt, remoteSalt
	if lo > hi {
		lo, hi = hi, lo
	}

	var in [16]byte
	binary.BigEndian.PutUint64(in[0:8], lo)
	binary.BigEndian.PutUint64(in[8:16], hi)

	sum := blake2b.Sum256(in[:])
	return binary.BigEndian.Uint64(sum[:8])
}

// RandomSalt returns a non-zero random 64-bit session salt.
func RandomSalt() uint64 {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic("protocol: crypto/rand failed: " + err.Error())
		}
		if v := binary.BigEndian.Uint64(b[:]); v != 0 {
			return v
		}
	}
}
