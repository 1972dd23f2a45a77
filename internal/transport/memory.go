package transport

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

const memoryInboxSize = 1024

// MemoryNetwork is an in-process datagram network. Like UDP, writes to an
// unknown address or a full inbox are silently dropped.
type MemoryNetwork struct {
	mu    sync.Mutex
	conns map[string]*MemoryConn
	next  int
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{conns: make(map[string]*MemoryConn)}
}

// MemoryAddr is the address of a MemoryConn.
type MemoryAddr string

func (a MemoryAddr) Network() string { return "memory" }
func (a MemoryAddr) String() string  { return string(a) }

type memoryDatagram struct {
	from MemoryAddr
	data []byte
}

// Listen binds a new endpoint. An empty name picks a unique one.
func (n *MemoryNetwork) Listen(name string) (*MemoryConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if name == "" {
		n.next++
		name = fmt.Sprintf("mem-%d", n.next)
	}
	if _, ok := n.conns[name]; ok {
		return nil, fmt.Errorf("memory address %s already in use", name)
	}

	c := &MemoryConn{
		network: n,
		addr:    MemoryAddr(name),
		inbox:   make(chan memoryDatagram, memoryInboxSize),
		closed:  make(chan struct{}),
	}
	n.conns[name] = c
	return c, nil
}

func (n *MemoryNetwork) lookup(name string) *MemoryConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[name]
}

func (n *MemoryNetwork) remove(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, name)
}

// MemoryConn implements net.PacketConn on a MemoryNetwork.
type MemoryConn struct {
	network *MemoryNetwork
	addr    MemoryAddr
	inbox   chan memoryDatagram

	closed    chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	readDeadline time.Time
}

var _ net.PacketConn = (*MemoryConn)(nil)

func (c *MemoryConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case d := <-c.inbox:
		return copy(p, d.data), d.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

func (c *MemoryConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	dst := c.network.lookup(addr.String())
	if dst == nil {
		return len(p), nil
	}

	data := make([]byte, len(p))
	copy(data, p)

	select {
	case dst.inbox <- memoryDatagram{from: c.addr, data: data}:
	case <-dst.closed:
	default:
	}
	return len(p), nil
}

func (c *MemoryConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.network.remove(string(c.addr))
	})
	return nil
}

func (c *MemoryConn) LocalAddr() net.Addr { return c.addr }

func (c *MemoryConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *MemoryConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *MemoryConn) SetWriteDeadline(time.Time) error { return nil }
