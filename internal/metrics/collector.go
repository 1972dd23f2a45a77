package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/1ureka/lambdanet/internal/peer"
)

var states = []peer.State{peer.StateConnecting, peer.StateConnected, peer.StateDisconnecting, peer.StateDisconnected}

// connectionCollector reads the statistics of every live connection at
// scrape time, so nothing on the tick path touches Prometheus.
type connectionCollector struct {
	src Source

	connections *prometheus.Desc
	ping        *prometheus.Desc
	lossRate    *prometheus.Desc
	packetsSent *prometheus.Desc
	packetsLost *prometheus.Desc
	resent      *prometheus.Desc
	poolFree    *prometheus.Desc
}

func newConnectionCollector(src Source) *connectionCollector {
	perConn := []string{"endpoint"}
	return &connectionCollector{
		src: src,
		connections: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "connections"),
			"Registered connections by state.", []string{"state"}, nil),
		ping: prometheus.NewDesc(prometheus.BuildFQName(namespace, "connection", "ping_seconds"),
			"Smoothed round-trip time.", perConn, nil),
		lossRate: prometheus.NewDesc(prometheus.BuildFQName(namespace, "connection", "packet_loss_ratio"),
			"Lost datagrams over sent datagrams.", perConn, nil),
		packetsSent: prometheus.NewDesc(prometheus.BuildFQName(namespace, "connection", "packets_sent_total"),
			"Datagrams sent on the connection.", perConn, nil),
		packetsLost: prometheus.NewDesc(prometheus.BuildFQName(namespace, "connection", "packets_lost_total"),
			"Datagrams the remote never acknowledged.", perConn, nil),
		resent: prometheus.NewDesc(prometheus.BuildFQName(namespace, "connection", "segments_resent_total"),
			"Reliable segments sent again after the resend interval.", perConn, nil),
		poolFree: prometheus.NewDesc(prometheus.BuildFQName(namespace, "connection", "pool_free_segments"),
			"Free segments in the connection's pool.", perConn, nil),
	}
}

func (c *connectionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.ping
	ch <- c.lossRate
	ch <- c.packetsSent
	ch <- c.packetsLost
	ch <- c.resent
	ch <- c.poolFree
}

func (c *connectionCollector) Collect(ch chan<- prometheus.Metric) {
	conns := c.src.Connections()

	counts := make(map[peer.State]int, len(states))
	for _, conn := range conns {
		counts[conn.State()]++

		endpoint := conn.Endpoint().String()
		s := conn.Statistics().Snapshot()
		ch <- prometheus.MustNewConstMetric(c.ping, prometheus.GaugeValue, s.Ping.Seconds(), endpoint)
		ch <- prometheus.MustNewConstMetric(c.lossRate, prometheus.GaugeValue, s.PacketLossRate(), endpoint)
		ch <- prometheus.MustNewConstMetric(c.packetsSent, prometheus.CounterValue, float64(s.PacketsSent), endpoint)
		ch <- prometheus.MustNewConstMetric(c.packetsLost, prometheus.CounterValue, float64(s.PacketsLost), endpoint)
		ch <- prometheus.MustNewConstMetric(c.resent, prometheus.CounterValue, float64(s.SegmentsResent), endpoint)
		ch <- prometheus.MustNewConstMetric(c.poolFree, prometheus.GaugeValue, float64(conn.Pool().Free()), endpoint)
	}

	for _, st := range states {
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(counts[st]), st.String())
	}
}
