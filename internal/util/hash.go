// Package util provides shared utility functions.
package util

import (
	"hash/fnv"
	"net"
)

// EndpointID computes a 4-byte hash of a datagram endpoint. The hash is used
// solely as a short log prefix and does not need to be reversible.
func EndpointID(addr net.Addr) uint32 {
	h := fnv.New32a()
	if addr != nil {
		h.Write([]byte(addr.Network()))
		h.Write([]byte(addr.String()))
	}
	return h.Sum32()
}
