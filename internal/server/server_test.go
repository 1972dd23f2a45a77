package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/lambdanet/internal/client"
	"github.com/1ureka/lambdanet/internal/config"
	"github.com/1ureka/lambdanet/internal/peer"
	"github.com/1ureka/lambdanet/internal/protocol"
	"github.com/1ureka/lambdanet/internal/transport"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	chatType   protocol.SegmentType = 1
	serverAddr                      = transport.MemoryAddr("server")
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ServerName = "test-arena"
	n := &cfg.Network
	n.PoolSize = 128
	n.FixedTickRate = 200
	n.TransmitRate = 200
	n.ResendInterval = config.Duration(30 * time.Millisecond)
	n.PingInterval = config.Duration(100 * time.Millisecond)
	n.PingTimeout = config.Duration(2 * time.Second)
	n.ConnectTimeout = config.Duration(2 * time.Second)
	n.DisconnectTimeout = config.Duration(500 * time.Millisecond)
	return cfg
}

type countingObserver struct {
	opened, closed, rejected, discovered atomic.Int32

	mu     sync.Mutex
	causes []peer.DisconnectCause
}

func (o *countingObserver) ConnectionOpened(*peer.Connection) { o.opened.Add(1) }
func (o *countingObserver) ConnectionRejected(peer.Reason)    { o.rejected.Add(1) }
func (o *countingObserver) DiscoveryAnswered()                { o.discovered.Add(1) }

func (o *countingObserver) ConnectionClosed(_ *peer.Connection, cause peer.DisconnectCause) {
	o.closed.Add(1)
	o.mu.Lock()
	o.causes = append(o.causes, cause)
	o.mu.Unlock()
}

func (o *countingObserver) lastCause() peer.DisconnectCause {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.causes) == 0 {
		return peer.DisconnectCause{}
	}
	return o.causes[len(o.causes)-1]
}

// echoHandler sends every received chat segment back reliably.
var echoHandler = peer.HandlerFuncs{
	SegmentReceived: func(c *peer.Connection, seg *protocol.Segment) {
		text, _ := seg.ReadString()
		reply := c.GetFreeSegment(seg.Type())
		if reply == nil {
			return
		}
		reply.WriteString(text)
		if !c.SendReliable(reply, nil) {
			reply.Release()
		}
	},
}

func startServer(t *testing.T, cfg *config.Config) (*Server, *transport.MemoryNetwork, *countingObserver) {
	t.Helper()

	network := transport.NewMemoryNetwork()
	pc, err := network.Listen(string(serverAddr))
	require.NoError(t, err)

	s := New(cfg, echoHandler)
	s.ListenOn(pc, false)
	obs := &countingObserver{}
	s.SetObserver(obs)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return s, network, obs
}

// chatClient records echoed messages and lifecycle causes.
type chatClient struct {
	messages chan string
	causes   chan peer.DisconnectCause
}

func newChatClient() *chatClient {
	return &chatClient{messages: make(chan string, 16), causes: make(chan peer.DisconnectCause, 4)}
}

func (cc *chatClient) handler() peer.Handler {
	return peer.HandlerFuncs{
		SegmentReceived: func(_ *peer.Connection, seg *protocol.Segment) {
			text, _ := seg.ReadString()
			cc.messages <- text
		},
		Disconnected: func(_ *peer.Connection, cause peer.DisconnectCause) {
			cc.causes <- cause
		},
	}
}

func dial(t *testing.T, network *transport.MemoryNetwork, cfg *config.Config, h peer.Handler) (*client.Client, *transport.MemoryConn, error) {
	t.Helper()
	pc, err := network.Listen("")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.DialOn(ctx, pc, serverAddr, false, cfg, h)
	if err == nil {
		t.Cleanup(func() { c.Close() })
	}
	return c, pc, err
}

func send(t *testing.T, c *peer.Connection, text string) {
	t.Helper()
	seg := c.GetFreeSegment(chatType)
	require.NotNil(t, seg)
	require.True(t, seg.WriteString(text))
	require.True(t, c.SendReliable(seg, nil))
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestHappyPath(t *testing.T) {
	cfg := testConfig()
	s, network, obs := startServer(t, cfg)

	cc := newChatClient()
	c, _, err := dial(t, network, cfg, cc.handler())
	require.NoError(t, err)
	assert.Equal(t, peer.StateConnected, c.Connection().State())

	require.Eventually(t, func() bool {
		conns := s.Connections()
		return len(conns) == 1 && conns[0].State() == peer.StateConnected
	}, 5*time.Second, 10*time.Millisecond)

	handle := s.Connections()[0].Handle()
	_, ok := s.Connection(handle)
	require.True(t, ok)

	for _, text := range []string{"one", "two", "three"} {
		send(t, c.Connection(), text)
	}
	for _, want := range []string{"one", "two", "three"} {
		select {
		case got := <-cc.messages:
			assert.Equal(t, want, got, "reliable echoes arrive in order")
		case <-time.After(5 * time.Second):
			t.Fatalf("no echo for %q", want)
		}
	}

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return s.ConnectionCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	_, ok = s.Connection(handle)
	assert.False(t, ok, "handle of a removed connection is stale")
	assert.Equal(t, int32(1), obs.opened.Load())
	assert.Equal(t, int32(1), obs.closed.Load())
	assert.Equal(t, peer.ReasonDisconnectedByRemote, obs.lastCause().Reason)
}

func TestServerFull(t *testing.T) {
	cfg := testConfig()
	cfg.Network.MaxClients = 1
	s, network, obs := startServer(t, cfg)

	_, _, err := dial(t, network, cfg, nil)
	require.NoError(t, err)

	cc := newChatClient()
	_, _, err = dial(t, network, cfg, cc.handler())
	require.Error(t, err)
	assert.True(t, errors.Is(err, peer.ErrNotConnected))
	assert.Contains(t, err.Error(), "Server Full")

	select {
	case cause := <-cc.causes:
		assert.Equal(t, peer.ReasonServerFull, cause.Reason)
	case <-time.After(time.Second):
		t.Fatal("rejected client never reported Disconnected")
	}

	assert.Equal(t, 1, s.ConnectionCount(), "no connection object for the rejected client")
	assert.Equal(t, int32(1), obs.opened.Load())
	assert.GreaterOrEqual(t, obs.rejected.Load(), int32(1), "a resent CONNECT may be rejected again")
}

func TestServerNotAccepting(t *testing.T) {
	cfg := testConfig()
	s, network, _ := startServer(t, cfg)
	s.SetAcceptingConnections(false)

	_, _, err := dial(t, network, cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Server Not Accepting")
	assert.Zero(t, s.ConnectionCount())

	s.SetAcceptingConnections(true)
	_, _, err = dial(t, network, cfg, nil)
	require.NoError(t, err)
}

func TestDiscovery(t *testing.T) {
	cfg := testConfig()
	cfg.Network.MaxClients = 5
	_, network, obs := startServer(t, cfg)

	_, _, err := dial(t, network, cfg, nil)
	require.NoError(t, err)

	pc, err := network.Listen("")
	require.NoError(t, err)
	defer pc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := client.DiscoverOn(ctx, pc, serverAddr)
	require.NoError(t, err)

	assert.Equal(t, "test-arena", info.Name)
	assert.Equal(t, uint16(1), info.Clients)
	assert.Equal(t, uint16(5), info.MaxClients)
	assert.True(t, info.Accepting)
	assert.Equal(t, int32(1), obs.discovered.Load())
	assert.Equal(t, int32(1), obs.opened.Load(), "discovery does not create a connection")
}

func TestPingTimeoutRemovesConnection(t *testing.T) {
	cfg := testConfig()
	cfg.Network.PingTimeout = config.Duration(400 * time.Millisecond)
	s, network, obs := startServer(t, cfg)

	_, pc, err := dial(t, network, cfg, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	// The client vanishes without a DISCONNECT.
	require.NoError(t, pc.Close())

	require.Eventually(t, func() bool { return s.ConnectionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, peer.ReasonPingTimedOut, obs.lastCause().Reason)
	assert.Equal(t, "Ping Timed Out", obs.lastCause().String())
}

func TestShutdownDisconnectsClients(t *testing.T) {
	cfg := testConfig()
	s, network, _ := startServer(t, cfg)

	cc := newChatClient()
	c, _, err := dial(t, network, cfg, cc.handler())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.False(t, s.AcceptingConnections())

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client was not disconnected by the shutdown")
	}
	cause := <-cc.causes
	assert.Equal(t, peer.ReasonDisconnectedByRemote, cause.Reason)
}

func TestUnverifiedSenderGetsNoReply(t *testing.T) {
	cfg := testConfig()
	s, network, obs := startServer(t, cfg)

	pc, err := network.Listen("victim")
	require.NoError(t, err)
	defer pc.Close()
	tr := transport.NewTransceiver(pc)

	pool := protocol.NewSegmentPool(1)
	seg := pool.RequestFreeSegment("forged")
	seg.SetType(chatType)
	seg.WriteString("no handshake")
	require.NoError(t, tr.Transmit(serverAddr, protocol.DatagramHeader{Sequence: 1, Salt: 99}, []*protocol.Segment{seg}))
	seg.Release()

	require.NoError(t, pc.SetReadDeadline(time.Now().Add(900*time.Millisecond)))
	buf := make([]byte, protocol.MaxDatagramSize)
	replies := 0
	for {
		if _, _, err := pc.ReadFrom(buf); err != nil {
			break
		}
		replies++
	}

	assert.Zero(t, replies, "one forged datagram must not trigger any reply")
	assert.Equal(t, int32(1), obs.opened.Load())
	assert.Zero(t, s.ConnectionCount())
	assert.Equal(t, peer.ReasonExpectedConnectPacket, obs.lastCause().Reason)
}
