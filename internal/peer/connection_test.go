package peer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/lambdanet/internal/protocol"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const chatType protocol.SegmentType = 7

type testAddr string

func (a testAddr) Network() string { return "test" }
func (a testAddr) String() string  { return string(a) }

type datagram struct {
	to   string
	data []byte
}

// wire is an in-process link between connections. Transmit queues encoded
// datagrams; pump decodes them into the destination connection's pool.
type wire struct {
	t     *testing.T
	queue []datagram
	peers map[string]*Connection
	drop  func(to string) bool
	sent  int
}

func newWire(t *testing.T) *wire {
	return &wire{t: t, peers: make(map[string]*Connection)}
}

func (w *wire) Transmit(to net.Addr, hdr protocol.DatagramHeader, segs []*protocol.Segment) error {
	w.sent++
	buf := make([]byte, protocol.MaxDatagramSize)
	n, err := protocol.EncodeDatagram(buf, hdr, segs)
	require.NoError(w.t, err)
	w.queue = append(w.queue, datagram{to: to.String(), data: buf[:n]})
	return nil
}

func (w *wire) pump(now time.Time) {
	for len(w.queue) > 0 {
		d := w.queue[0]
		w.queue = w.queue[1:]
		if w.drop != nil && w.drop(d.to) {
			continue
		}
		dst := w.peers[d.to]
		if dst == nil {
			continue
		}
		hdr, segs, err := protocol.DecodeDatagram(d.data, dst.Pool(), "wire")
		require.NoError(w.t, err)
		dst.HandleDatagram(hdr, segs, now)
	}
}

// recorder is a Handler that logs every callback.
type recorder struct {
	events   []string
	causes   []DisconnectCause
	messages []string
}

func (r *recorder) OnConnecting(*Connection) { r.events = append(r.events, "connecting") }
func (r *recorder) OnConnected(*Connection)  { r.events = append(r.events, "connected") }

func (r *recorder) OnDisconnecting(_ *Connection, cause DisconnectCause) {
	r.events = append(r.events, "disconnecting")
	r.causes = append(r.causes, cause)
}

func (r *recorder) OnDisconnected(_ *Connection, cause DisconnectCause) {
	r.events = append(r.events, "disconnected")
	r.causes = append(r.causes, cause)
}

func (r *recorder) OnSegmentReceived(_ *Connection, seg *protocol.Segment) {
	text, _ := seg.ReadString()
	r.messages = append(r.messages, text)
}

type pair struct {
	t        *testing.T
	now      time.Time
	wire     *wire
	cli, srv *Connection
	cliRec   *recorder
	srvRec   *recorder
}

func testOptions(role Role, endpoint string, now *time.Time) Options {
	return Options{
		Role:              role,
		Endpoint:          testAddr(endpoint),
		PoolSize:          64,
		MaxTries:          5,
		ResendInterval:    100 * time.Millisecond,
		PingInterval:      500 * time.Millisecond,
		PingTimeout:       3 * time.Second,
		ConnectTimeout:    5 * time.Second,
		DisconnectTimeout: 2 * time.Second,
		Clock:             func() time.Time { return *now },
	}
}

// newPair builds a client connection to "server" and the server-side
// connection for "client" over one wire.
func newPair(t *testing.T) *pair {
	p := &pair{t: t, now: time.Unix(1000, 0), wire: newWire(t), cliRec: &recorder{}, srvRec: &recorder{}}
	p.cli = New(testOptions(RoleClient, "server", &p.now), p.wire, p.cliRec)
	p.srv = New(testOptions(RoleServer, "client", &p.now), p.wire, p.srvRec)
	p.wire.peers["client"] = p.cli
	p.wire.peers["server"] = p.srv
	return p
}

func (p *pair) step() {
	p.now = p.now.Add(20 * time.Millisecond)
	require.NoError(p.t, p.cli.Flush(p.now))
	require.NoError(p.t, p.srv.Flush(p.now))
	p.wire.pump(p.now)
	p.cli.Tick(p.now)
	p.srv.Tick(p.now)
}

func (p *pair) stepUntil(cond func() bool, max int) {
	p.t.Helper()
	for i := 0; i < max && !cond(); i++ {
		p.step()
	}
	require.True(p.t, cond(), "condition not reached within %d steps", max)
}

func (p *pair) handshake() {
	p.t.Helper()
	require.NoError(p.t, p.cli.Connect())
	p.stepUntil(func() bool {
		return p.cli.State() == StateConnected && p.srv.State() == StateConnected
	}, 20)
}

func chat(t *testing.T, c *Connection, text string) *protocol.Segment {
	t.Helper()
	seg := c.GetFreeSegment(chatType)
	require.NotNil(t, seg)
	require.True(t, seg.WriteString(text))
	return seg
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestHandshakeAndDelivery(t *testing.T) {
	p := newPair(t)
	p.handshake()

	assert.Equal(t, []string{"connecting", "connected"}, p.cliRec.events)
	assert.Equal(t, []string{"connecting", "connected"}, p.srvRec.events)
	assert.Equal(t, p.cli.Statistics().LocalSalt(), p.srv.Statistics().RemoteSalt())
	assert.Equal(t, p.srv.Statistics().LocalSalt(), p.cli.Statistics().RemoteSalt())

	require.True(t, p.cli.SendReliable(chat(t, p.cli, "hello"), nil))
	require.True(t, p.cli.SendUnreliable(chat(t, p.cli, "world")))
	p.stepUntil(func() bool { return len(p.srvRec.messages) == 2 }, 10)
	assert.ElementsMatch(t, []string{"hello", "world"}, p.srvRec.messages)

	// Control types are reserved for the transport.
	seg := p.cli.GetFreeSegment(protocol.TypeDisconnect)
	assert.False(t, p.cli.SendReliable(seg, nil))
	require.NoError(t, seg.Release())
}

func TestPingUpdatesRemoteCounts(t *testing.T) {
	p := newPair(t)
	p.handshake()

	for i := 0; i < 60; i++ {
		p.step()
	}
	snap := p.srv.Statistics().Snapshot()
	assert.NotZero(t, snap.RemotePacketsSent, "client reported its counters in a PING")
	assert.Equal(t, StateConnected, p.srv.State())
	assert.Equal(t, StateConnected, p.cli.State())
}

func TestTamperedChallengeAnswerStaysConnecting(t *testing.T) {
	now := time.Unix(1000, 0)
	w := newWire(t)
	rec := &recorder{}
	srv := New(testOptions(RoleServer, "impostor", &now), w, rec)

	impostor := protocol.NewSegmentPool(4)
	const impostorSalt = 0xfeedface

	send := func(seq uint32, typ protocol.SegmentType, uid uint32, answer *uint64) {
		seg := impostor.RequestFreeSegment("impostor")
		seg.SetType(typ)
		seg.SetReliableUID(uid)
		if answer != nil {
			seg.WriteUint64(*answer)
		}
		buf := make([]byte, protocol.MaxDatagramSize)
		n, err := protocol.EncodeDatagram(buf, protocol.DatagramHeader{Salt: impostorSalt, Sequence: seq}, []*protocol.Segment{seg})
		require.NoError(t, err)
		require.NoError(t, seg.Release())

		hdr, segs, err := protocol.DecodeDatagram(buf[:n], srv.Pool(), "wire")
		require.NoError(t, err)
		srv.HandleDatagram(hdr, segs, now)
	}

	send(1, protocol.TypeConnect, 1, nil)
	assert.Equal(t, uint64(impostorSalt), srv.Statistics().RemoteSalt())

	wrong := uint64(12345)
	send(2, protocol.TypeAccepted, 2, &wrong)
	srv.Tick(now)
	assert.Equal(t, StateConnecting, srv.State(), "a wrong answer must not connect")

	right := protocol.ChallengeAnswer(srv.Statistics().LocalSalt(), impostorSalt)
	send(3, protocol.TypeAccepted, 3, &right)
	srv.Tick(now)
	assert.Equal(t, StateConnected, srv.State())
	assert.Equal(t, []string{"connecting", "connected"}, rec.events)
}

func TestSaltMismatchIsDropped(t *testing.T) {
	p := newPair(t)
	p.handshake()

	seg := p.srv.Pool().RequestFreeSegment("spoof")
	seg.SetType(protocol.TypeDisconnect)
	seg.SetReliableUID(99)
	p.srv.HandleDatagram(protocol.DatagramHeader{Salt: 1, Sequence: 5000}, []*protocol.Segment{seg}, p.now)

	assert.Equal(t, StateConnected, p.srv.State())
}

func TestPingTimeout(t *testing.T) {
	p := newPair(t)
	p.handshake()

	p.wire.drop = func(to string) bool { return to == "server" }
	p.stepUntil(func() bool { return p.srv.State() == StateDisconnected }, 400)

	require.NotEmpty(t, p.srvRec.causes)
	assert.Equal(t, ReasonPingTimedOut, p.srvRec.causes[0].Reason)
	assert.Equal(t, "Ping Timed Out", p.srvRec.causes[0].Reason.String())
	assert.Equal(t, []string{"connecting", "connected", "disconnecting", "disconnected"}, p.srvRec.events)
	assert.Equal(t, 64, p.srv.Pool().Free(), "a finished connection holds no segments")
}

func TestDisconnectIsIdempotentAndNotifiesRemote(t *testing.T) {
	p := newPair(t)
	p.handshake()

	p.cli.Disconnect(ReasonRequested)
	p.cli.Disconnect(ReasonRequested)
	p.cli.Release()

	p.stepUntil(func() bool {
		return p.cli.State() == StateDisconnected && p.srv.State() == StateDisconnected
	}, 200)

	assert.Equal(t, []string{"connecting", "connected", "disconnecting", "disconnected"}, p.cliRec.events)
	assert.Equal(t, ReasonRequested, p.cliRec.causes[0].Reason)
	assert.Equal(t, ReasonDisconnectedByRemote, p.srvRec.causes[0].Reason)

	assert.False(t, p.cli.SendUnreliable(chat(t, p.cli, "too late")))
}

func TestServerExpectsConnectFirst(t *testing.T) {
	t.Run("application segment", func(t *testing.T) {
		now := time.Unix(1000, 0)
		rec := &recorder{}
		w := newWire(t)
		srv := New(testOptions(RoleServer, "client", &now), w, rec)

		seg := srv.Pool().RequestFreeSegment("wire")
		seg.SetType(chatType)
		srv.HandleDatagram(protocol.DatagramHeader{Sequence: 1}, []*protocol.Segment{seg}, now)

		assert.Equal(t, StateDisconnecting, srv.State())
		assert.Equal(t, ReasonExpectedConnectPacket, srv.Cause().Reason)

		require.NoError(t, srv.Flush(now))
		srv.Tick(now)
		assert.Equal(t, StateDisconnected, srv.State())
		assert.Zero(t, w.sent, "an unverified endpoint gets no reply, not even an ack")
	})

	t.Run("silent first tick", func(t *testing.T) {
		now := time.Unix(1000, 0)
		w := newWire(t)
		srv := New(testOptions(RoleServer, "client", &now), w, nil)
		srv.Tick(now)
		assert.Equal(t, ReasonExpectedConnectPacket, srv.Cause().Reason)

		require.NoError(t, srv.Flush(now))
		assert.Zero(t, w.sent)
	})
}

func TestServerConnectTimeoutIsSilent(t *testing.T) {
	now := time.Unix(1000, 0)
	w := newWire(t)
	opts := testOptions(RoleServer, "client", &now)
	opts.ConnectTimeout = 300 * time.Millisecond
	opts.MaxTries = 0
	srv := New(opts, w, nil)

	seg := srv.Pool().RequestFreeSegment("wire")
	seg.SetType(protocol.TypeConnect)
	seg.SetReliableUID(1)
	seg.SetRemoteSalt(42)
	srv.HandleDatagram(protocol.DatagramHeader{Sequence: 1, Salt: 42}, []*protocol.Segment{seg}, now)

	// CHALLENGE goes out, but the answer never comes back.
	require.NoError(t, srv.Flush(now))
	require.Equal(t, 1, w.sent)

	for i := 0; i < 60 && srv.State() != StateDisconnected; i++ {
		now = now.Add(100 * time.Millisecond)
		srv.Tick(now)
		require.NoError(t, srv.Flush(now))
	}
	require.Equal(t, StateDisconnected, srv.State())
	assert.Equal(t, ReasonConnectTimedOut, srv.Cause().Reason)

	for _, d := range w.queue {
		_, segs, err := protocol.DecodeDatagram(d.data, protocol.NewSegmentPool(protocol.MaxSegmentsPerDatagram), "check")
		require.NoError(t, err)
		for _, s := range segs {
			assert.NotEqual(t, protocol.TypeDisconnect, s.Type(), "no DISCONNECT to an unverified endpoint")
		}
	}
}

func TestControlTrafficWhileConnectingIsIgnored(t *testing.T) {
	now := time.Unix(1000, 0)
	rec := &recorder{}
	srv := New(testOptions(RoleServer, "client", &now), newWire(t), rec)

	connect := srv.Pool().RequestFreeSegment("wire")
	connect.SetType(protocol.TypeConnect)
	connect.SetReliableUID(1)
	connect.SetRemoteSalt(42)
	srv.HandleDatagram(protocol.DatagramHeader{Sequence: 1, Salt: 42}, []*protocol.Segment{connect}, now)

	var stray []*protocol.Segment
	for _, typ := range []protocol.SegmentType{protocol.TypePing, protocol.TypeNetworkAck, protocol.TypeNetworkDiscovery} {
		seg := srv.Pool().RequestFreeSegment("wire")
		seg.SetType(typ)
		stray = append(stray, seg)
	}
	srv.HandleDatagram(protocol.DatagramHeader{Sequence: 2, Salt: 42}, stray, now)
	srv.Tick(now)

	assert.Equal(t, StateConnecting, srv.State())
	assert.Equal(t, DisconnectCause{}, srv.Cause())
	assert.Empty(t, rec.causes)
}

func TestMaxTriesDisconnects(t *testing.T) {
	p := newPair(t)
	p.wire.drop = func(string) bool { return true }

	require.NoError(t, p.cli.Connect())
	p.stepUntil(func() bool { return p.cli.State() == StateDisconnected }, 200)

	require.NotEmpty(t, p.cliRec.causes)
	assert.Equal(t, ReasonMaxTriesReached, p.cliRec.causes[0].Reason)
	assert.Contains(t, p.cliRec.causes[0].Detail, "CONNECT")
}

func TestClientServerFull(t *testing.T) {
	now := time.Unix(1000, 0)
	rec := &recorder{}
	cli := New(testOptions(RoleClient, "server", &now), newWire(t), rec)
	require.NoError(t, cli.Connect())

	seg := cli.Pool().RequestFreeSegment("wire")
	seg.SetType(protocol.TypeServerFull)
	cli.HandleDatagram(protocol.DatagramHeader{Salt: 77}, []*protocol.Segment{seg}, now)
	cli.Tick(now)

	assert.Equal(t, StateDisconnected, cli.State())
	assert.Equal(t, ReasonServerFull, rec.causes[0].Reason)
	assert.Equal(t, "Server Full", rec.causes[0].String())
}

func TestConnectRequiresClientRole(t *testing.T) {
	now := time.Unix(1000, 0)
	srv := New(testOptions(RoleServer, "client", &now), newWire(t), nil)
	assert.Error(t, srv.Connect())
}
