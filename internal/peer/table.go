package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Handle refers to a connection registered in a Table. A handle outlives the
// connection safely: once the slot is reused, lookups with the old handle
// fail instead of returning the new occupant.
type Handle struct {
	index      uint32
	generation uint32
}

// IsZero reports whether h was never issued by a table.
func (h Handle) IsZero() bool { return h.generation == 0 }

func (h Handle) String() string { return fmt.Sprintf("%d#%d", h.index, h.generation) }

type tableSlot struct {
	generation uint32
	conn       *Connection
}

// Table holds the connections of a listener, addressable by handle and by
// remote endpoint.
type Table struct {
	mu         sync.Mutex
	slots      []tableSlot
	free       []uint32
	byEndpoint map[string]uint32
	count      int
	changed    chan struct{} // closed and replaced on every removal
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		byEndpoint: make(map[string]uint32),
		changed:    make(chan struct{}),
	}
}

func endpointKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.Network() + "|" + addr.String()
}

// Insert registers c under its endpoint and returns its handle.
func (t *Table) Insert(c *Connection) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := endpointKey(c.Endpoint())
	if _, exists := t.byEndpoint[key]; exists {
		return Handle{}, fmt.Errorf("%w: %s", ErrDuplicateEndpoint, c.Endpoint())
	}

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, tableSlot{})
	}

	slot := &t.slots[idx]
	slot.generation++
	if slot.generation == 0 {
		slot.generation = 1
	}
	slot.conn = c

	t.byEndpoint[key] = idx
	t.count++

	h := Handle{index: idx, generation: slot.generation}
	c.setHandle(h)
	return h, nil
}

func (t *Table) getLocked(h Handle) (*tableSlot, bool) {
	if h.IsZero() || int(h.index) >= len(t.slots) {
		return nil, false
	}
	slot := &t.slots[h.index]
	if slot.generation != h.generation || slot.conn == nil {
		return nil, false
	}
	return slot, true
}

// Get resolves h. It fails for handles whose connection was removed.
func (t *Table) Get(h Handle) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot, ok := t.getLocked(h)
	if !ok {
		return nil, false
	}
	return slot.conn, true
}

// Lookup finds the connection registered for addr.
func (t *Table) Lookup(addr net.Addr) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.byEndpoint[endpointKey(addr)]
	if !ok {
		return nil, false
	}
	return t.slots[idx].conn, true
}

// Remove unregisters the connection behind h.
func (t *Table) Remove(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot, ok := t.getLocked(h)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}

	slot.conn.clearHandle()
	delete(t.byEndpoint, endpointKey(slot.conn.Endpoint()))
	slot.conn = nil
	t.free = append(t.free, h.index)
	t.count--

	close(t.changed)
	t.changed = make(chan struct{})
	return nil
}

// Len returns the number of registered connections.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Snapshot returns the registered connections in slot order.
func (t *Table) Snapshot() []*Connection {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Connection, 0, t.count)
	for _, slot := range t.slots {
		if slot.conn != nil {
			out = append(out, slot.conn)
		}
	}
	return out
}

// WaitEmpty blocks until the table holds no connection or ctx is done.
func (t *Table) WaitEmpty(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.count == 0 {
			t.mu.Unlock()
			return nil
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
