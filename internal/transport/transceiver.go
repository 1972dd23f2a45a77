// Package transport moves encoded datagrams between endpoints. The
// Transceiver works over any net.PacketConn: a UDP socket, the WebSocket
// carrier in this package, or the in-memory network used by tests.
package transport

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"

	"github.com/1ureka/lambdanet/internal/protocol"
	"github.com/1ureka/lambdanet/internal/util"
)

// ErrClosed is returned once the underlying socket has been closed.
var ErrClosed = errors.New("transceiver closed")

// Transceiver serializes segments into datagrams and back. Transmit may be
// called from any goroutine; ReceiveBegin/ReceiveEnd belong to a single
// receiver goroutine.
type Transceiver struct {
	conn net.PacketConn

	txMu  sync.Mutex
	txBuf [protocol.MaxDatagramSize]byte

	rxBuf [protocol.MaxDatagramSize]byte
	rxLen int

	txLoss atomic.Uint64 // float64 bits
	rxLoss atomic.Uint64 // float64 bits
}

// NewTransceiver wraps conn.
func NewTransceiver(conn net.PacketConn) *Transceiver {
	return &Transceiver{conn: conn}
}

// SetSimulatedLoss sets the probability, in [0, 1], that a datagram is
// dropped before the socket write (tx) or after the socket read (rx).
func (t *Transceiver) SetSimulatedLoss(tx, rx float64) {
	t.txLoss.Store(math.Float64bits(clamp01(tx)))
	t.rxLoss.Store(math.Float64bits(clamp01(rx)))
}

// SimulatedLoss returns the configured tx and rx loss ratios.
func (t *Transceiver) SimulatedLoss() (tx, rx float64) {
	return math.Float64frombits(t.txLoss.Load()), math.Float64frombits(t.rxLoss.Load())
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func dropped(ratio uint64) bool {
	r := math.Float64frombits(ratio)
	return r > 0 && rand.Float64() < r
}

// LocalAddr returns the socket's local address.
func (t *Transceiver) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close closes the socket, unblocking ReceiveBegin.
func (t *Transceiver) Close() error {
	return t.conn.Close()
}

// ---------------------------------------------------------------------------
// Transmit
// ---------------------------------------------------------------------------

// Transmit encodes hdr and segs into the shared transmit buffer and writes
// the datagram to dst. A datagram dropped by simulated loss reports success.
func (t *Transceiver) Transmit(dst net.Addr, hdr protocol.DatagramHeader, segs []*protocol.Segment) error {
	t.txMu.Lock()
	defer t.txMu.Unlock()

	n, err := protocol.EncodeDatagram(t.txBuf[:], hdr, segs)
	if err != nil {
		return err
	}

	if dropped(t.txLoss.Load()) {
		util.Stats.AddDropped()
		return nil
	}

	if _, err := t.conn.WriteTo(t.txBuf[:n], dst); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("write to %s: %w", dst, err)
	}

	util.Stats.AddSent(n)
	return nil
}

// ---------------------------------------------------------------------------
// Receive
// ---------------------------------------------------------------------------

// ReceiveBegin blocks until a datagram arrives and keeps it in the receive
// buffer. ok is false when the datagram was discarded by simulated loss.
func (t *Transceiver) ReceiveBegin() (from net.Addr, ok bool, err error) {
	n, from, err := t.conn.ReadFrom(t.rxBuf[:])
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, false, ErrClosed
		}
		return nil, false, err
	}

	util.Stats.AddRecv(n)
	if dropped(t.rxLoss.Load()) {
		util.Stats.AddDropped()
		t.rxLen = 0
		return from, false, nil
	}

	t.rxLen = n
	return from, true, nil
}

// ReceiveEnd decodes the buffered datagram into segments borrowed from pool.
// It may be called more than once for the same datagram, for example to
// peek with a scratch pool before decoding into a connection's pool.
func (t *Transceiver) ReceiveEnd(pool *protocol.SegmentPool, borrower string) (protocol.DatagramHeader, []*protocol.Segment, error) {
	return protocol.DecodeDatagram(t.rxBuf[:t.rxLen], pool, borrower)
}
