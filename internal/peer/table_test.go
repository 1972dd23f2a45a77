package peer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(t *testing.T, endpoint string) *Connection {
	t.Helper()
	now := time.Unix(1000, 0)
	return New(testOptions(RoleServer, endpoint, &now), newWire(t), nil)
}

func TestTableInsertLookupRemove(t *testing.T) {
	table := NewTable()
	a := newTestConn(t, "a")
	b := newTestConn(t, "b")

	ha, err := table.Insert(a)
	require.NoError(t, err)
	hb, err := table.Insert(b)
	require.NoError(t, err)

	assert.False(t, ha.IsZero())
	assert.Equal(t, ha, a.Handle())
	assert.Equal(t, 2, table.Len())

	got, ok := table.Get(hb)
	require.True(t, ok)
	assert.Same(t, b, got)

	got, ok = table.Lookup(testAddr("a"))
	require.True(t, ok)
	assert.Same(t, a, got)

	_, err = table.Insert(newTestConn(t, "a"))
	assert.ErrorIs(t, err, ErrDuplicateEndpoint)

	require.NoError(t, table.Remove(ha))
	assert.True(t, a.Handle().IsZero())
	assert.ErrorIs(t, table.Remove(ha), ErrStaleHandle)
	_, ok = table.Lookup(testAddr("a"))
	assert.False(t, ok)
	assert.Equal(t, []*Connection{b}, table.Snapshot())
}

func TestTableStaleHandleAfterSlotReuse(t *testing.T) {
	table := NewTable()

	old, err := table.Insert(newTestConn(t, "first"))
	require.NoError(t, err)
	require.NoError(t, table.Remove(old))

	replacement := newTestConn(t, "second")
	fresh, err := table.Insert(replacement)
	require.NoError(t, err)

	assert.Equal(t, old.index, fresh.index, "slot is reused")
	assert.NotEqual(t, old.generation, fresh.generation)

	_, ok := table.Get(old)
	assert.False(t, ok, "a stale handle never resolves to the new occupant")

	got, ok := table.Get(fresh)
	require.True(t, ok)
	assert.Same(t, replacement, got)

	_, ok = table.Get(Handle{})
	assert.False(t, ok)
}

func TestTableWaitEmpty(t *testing.T) {
	table := NewTable()
	h, err := table.Insert(newTestConn(t, "a"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, table.WaitEmpty(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- table.WaitEmpty(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, table.Remove(h))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitEmpty did not return after the last removal")
	}
}
