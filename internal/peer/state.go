// Package peer implements one end of a reliable-UDP connection: the
// handshake and disconnect state machine layered over a packet manager, the
// ordered inbox that hands events and segments to the application on the
// fixed-tick goroutine, and the generation-checked table a listener keeps
// its connections in.
package peer

import (
	"errors"
	"fmt"
)

// State is the lifecycle phase of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Role tells which side of the handshake a Connection plays.
type Role uint8

const (
	RoleServer Role = iota + 1
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Reason is why a connection left the Connected state.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonRequested
	ReasonReleased
	ReasonDisconnectedByRemote
	ReasonMaxTriesReached
	ReasonPingTimedOut
	ReasonExpectedConnectPacket
	ReasonConnectTimedOut
	ReasonServerFull
	ReasonServerNotAccepting
	ReasonServerShutdown
	ReasonReceiveError
)

var reasonNames = [...]string{
	ReasonNone:                  "None",
	ReasonRequested:             "Requested",
	ReasonReleased:              "Released",
	ReasonDisconnectedByRemote:  "Disconnected By Remote",
	ReasonMaxTriesReached:       "Max Tries Reached",
	ReasonPingTimedOut:          "Ping Timed Out",
	ReasonExpectedConnectPacket: "Expected Connect Packet",
	ReasonConnectTimedOut:       "Connect Timed Out",
	ReasonServerFull:            "Server Full",
	ReasonServerNotAccepting:    "Server Not Accepting",
	ReasonServerShutdown:        "Server Shutdown",
	ReasonReceiveError:          "Receive Error",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("Reason(%d)", uint8(r))
}

// DisconnectCause is the reason a connection is going away plus optional
// detail, such as the segment that exhausted its tries.
type DisconnectCause struct {
	Reason Reason
	Detail string
}

func (c DisconnectCause) String() string {
	if c.Detail == "" {
		return c.Reason.String()
	}
	return c.Reason.String() + ": " + c.Detail
}

// Error values returned by the peer package.
var (
	ErrNotConnected      = errors.New("connection is not connected")
	ErrDuplicateEndpoint = errors.New("endpoint already has a connection")
	ErrStaleHandle       = errors.New("stale connection handle")
)
