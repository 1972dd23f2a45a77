package transport

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/lambdanet/internal/protocol"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// newChatSegment borrows a segment from pool carrying text.
func newChatSegment(t *testing.T, pool *protocol.SegmentPool, text string) *protocol.Segment {
	t.Helper()
	seg := pool.RequestFreeSegment("test")
	require.NotNil(t, seg)
	seg.SetType(1)
	require.True(t, seg.WriteString(text))
	return seg
}

// receiveOne runs ReceiveBegin/ReceiveEnd in a goroutine with a timeout.
func receiveOne(t *testing.T, tr *Transceiver, pool *protocol.SegmentPool) (protocol.DatagramHeader, []*protocol.Segment) {
	t.Helper()

	type result struct {
		hdr  protocol.DatagramHeader
		segs []*protocol.Segment
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			_, ok, err := tr.ReceiveBegin()
			if err != nil {
				ch <- result{err: err}
				return
			}
			if !ok {
				continue
			}
			hdr, segs, err := tr.ReceiveEnd(pool, "test")
			ch <- result{hdr, segs, err}
			return
		}
	}()

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.hdr, r.segs
	case <-time.After(5 * time.Second):
		t.Fatal("no datagram received within 5s")
	}
	return protocol.DatagramHeader{}, nil
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestTransceiverOverMemoryNetwork(t *testing.T) {
	network := NewMemoryNetwork()
	a, err := network.Listen("a")
	require.NoError(t, err)
	b, err := network.Listen("b")
	require.NoError(t, err)

	txA := NewTransceiver(a)
	txB := NewTransceiver(b)
	defer txA.Close()
	defer txB.Close()

	pool := protocol.NewSegmentPool(8)
	seg := newChatSegment(t, pool, "hello")
	require.NoError(t, txA.Transmit(b.LocalAddr(), protocol.DatagramHeader{Salt: 99, Sequence: 1}, []*protocol.Segment{seg}))
	require.NoError(t, seg.Release())

	hdr, segs := receiveOne(t, txB, pool)
	require.Len(t, segs, 1)
	assert.Equal(t, uint32(1), hdr.Sequence)
	assert.Equal(t, uint64(99), segs[0].RemoteSalt())
	text, _ := segs[0].ReadString()
	assert.Equal(t, "hello", text)

	// ReceiveEnd can decode the same datagram again into another pool.
	other := protocol.NewSegmentPool(1)
	_, again, err := txB.ReceiveEnd(other, "peek")
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestTransceiverSimulatedLoss(t *testing.T) {
	network := NewMemoryNetwork()
	a, _ := network.Listen("")
	b, _ := network.Listen("")
	txA := NewTransceiver(a)
	txB := NewTransceiver(b)
	defer txA.Close()
	defer txB.Close()

	pool := protocol.NewSegmentPool(4)

	txA.SetSimulatedLoss(1, 0)
	for i := 0; i < 10; i++ {
		require.NoError(t, txA.Transmit(b.LocalAddr(), protocol.DatagramHeader{Sequence: uint32(i)}, nil))
	}

	txA.SetSimulatedLoss(0, 0)
	txB.SetSimulatedLoss(0, 0)
	require.NoError(t, txA.Transmit(b.LocalAddr(), protocol.DatagramHeader{Sequence: 100}, nil))

	hdr, _ := receiveOne(t, txB, pool)
	assert.Equal(t, uint32(100), hdr.Sequence, "every datagram before the marker was dropped on transmit")

	tx, rx := txA.SimulatedLoss()
	assert.Zero(t, tx)
	assert.Zero(t, rx)

	txA.SetSimulatedLoss(2, -1)
	tx, rx = txA.SimulatedLoss()
	assert.Equal(t, 1.0, tx)
	assert.Equal(t, 0.0, rx)
}

func TestTransceiverClosed(t *testing.T) {
	network := NewMemoryNetwork()
	a, _ := network.Listen("")
	tr := NewTransceiver(a)
	require.NoError(t, tr.Close())

	_, _, err := tr.ReceiveBegin()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryConnReadDeadline(t *testing.T) {
	network := NewMemoryNetwork()
	a, _ := network.Listen("")
	defer a.Close()

	require.NoError(t, a.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, _, err := a.ReadFrom(make([]byte, 16))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	_, err = network.Listen(a.LocalAddr().String())
	assert.Error(t, err, "address already in use")
}

func TestWebSocketCarrier(t *testing.T) {
	listener, err := ListenWebSocket("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("ws://%s%s", listener.LocalAddr(), WebSocketPath)
	dialed, serverAddr, err := DialWebSocket(ctx, url)
	require.NoError(t, err)
	defer dialed.Close()

	client := NewTransceiver(dialed)
	server := NewTransceiver(listener)
	pool := protocol.NewSegmentPool(8)

	seg := newChatSegment(t, pool, "over websocket")
	require.NoError(t, client.Transmit(serverAddr, protocol.DatagramHeader{Sequence: 7}, []*protocol.Segment{seg}))
	require.NoError(t, seg.Release())

	// The listener learns the client's address from the first message and
	// can answer on it.
	from := make(chan error, 1)
	var hdr protocol.DatagramHeader
	var segs []*protocol.Segment
	go func() {
		addr, ok, err := server.ReceiveBegin()
		if err == nil && ok {
			hdr, segs, err = server.ReceiveEnd(pool, "test")
			if err == nil {
				err = server.Transmit(addr, protocol.DatagramHeader{Sequence: 8}, nil)
			}
		}
		from <- err
	}()

	select {
	case err := <-from:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener received nothing within 5s")
	}

	assert.Equal(t, uint32(7), hdr.Sequence)
	require.Len(t, segs, 1)
	text, _ := segs[0].ReadString()
	assert.Equal(t, "over websocket", text)

	reply, _ := receiveOne(t, client, pool)
	assert.Equal(t, uint32(8), reply.Sequence)
}
