package metrics

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/lambdanet/internal/peer"
	"github.com/1ureka/lambdanet/internal/protocol"
	"github.com/1ureka/lambdanet/internal/transport"
)

type nopSender struct{}

func (nopSender) Transmit(net.Addr, protocol.DatagramHeader, []*protocol.Segment) error { return nil }

type fixedSource []*peer.Connection

func (s fixedSource) Connections() []*peer.Connection { return s }

func newConn(endpoint string) *peer.Connection {
	return peer.New(peer.Options{Role: peer.RoleServer, Endpoint: transport.MemoryAddr(endpoint), PoolSize: 16}, nopSender{}, nil)
}

func TestObserverCounters(t *testing.T) {
	m := New(prometheus.NewRegistry(), fixedSource(nil))
	c := newConn("a")

	m.ConnectionOpened(c)
	m.ConnectionRejected(peer.ReasonServerFull)
	m.ConnectionRejected(peer.ReasonServerFull)
	m.ConnectionRejected(peer.ReasonServerNotAccepting)
	m.DiscoveryAnswered()
	m.ConnectionClosed(c, peer.DisconnectCause{Reason: peer.ReasonPingTimedOut})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsOpened))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionsRejected.WithLabelValues("Server Full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsRejected.WithLabelValues("Server Not Accepting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsClosed.WithLabelValues("Ping Timed Out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DiscoveryRequests))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ConnectionDuration))
}

func TestConnectionCollector(t *testing.T) {
	col := newConnectionCollector(fixedSource{newConn("a"), newConn("b")})

	expected := `
# HELP lambdanet_connections Registered connections by state.
# TYPE lambdanet_connections gauge
lambdanet_connections{state="connected"} 0
lambdanet_connections{state="connecting"} 2
lambdanet_connections{state="disconnected"} 0
lambdanet_connections{state="disconnecting"} 0
`
	require.NoError(t, testutil.CollectAndCompare(col, strings.NewReader(expected), "lambdanet_connections"))

	expectedPool := `
# HELP lambdanet_connection_pool_free_segments Free segments in the connection's pool.
# TYPE lambdanet_connection_pool_free_segments gauge
lambdanet_connection_pool_free_segments{endpoint="a"} 16
lambdanet_connection_pool_free_segments{endpoint="b"} 16
`
	require.NoError(t, testutil.CollectAndCompare(col, strings.NewReader(expectedPool), "lambdanet_connection_pool_free_segments"))
	assert.Equal(t, 2, testutil.CollectAndCount(col, "lambdanet_connection_ping_seconds"))
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, fixedSource{newConn("a")})
	m.ConnectionOpened(nil)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "lambdanet_connections_opened_total 1")
	assert.Contains(t, text, `lambdanet_connections{state="connecting"} 1`)
	assert.Contains(t, text, "lambdanet_datagrams_sent_total")
}
