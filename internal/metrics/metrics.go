// Package metrics exports listener and connection statistics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/lambdanet/internal/peer"
	"github.com/1ureka/lambdanet/internal/util"
)

const namespace = "lambdanet"

// Source lists the live connections to report on.
type Source interface {
	Connections() []*peer.Connection
}

// Metrics holds the lifecycle counters. It satisfies server.Observer.
type Metrics struct {
	ConnectionsOpened   prometheus.Counter
	ConnectionsClosed   *prometheus.CounterVec
	ConnectionsRejected *prometheus.CounterVec
	DiscoveryRequests   prometheus.Counter
	ConnectionDuration  prometheus.Histogram
}

// New creates the counters and registers them, the per-connection collector
// for src, and the process-wide datagram counters with reg.
func New(reg prometheus.Registerer, src Source) *Metrics {
	m := &Metrics{
		ConnectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Connections created for new endpoints.",
		}),
		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Connections removed after reaching Disconnected, by reason.",
		}, []string{"reason"}),
		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Endpoints turned away without a connection, by reason.",
		}, []string{"reason"}),
		DiscoveryRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_requests_total",
			Help:      "Network discovery requests answered.",
		}),
		ConnectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of removed connections.",
			Buckets:   []float64{1, 10, 60, 300, 1800, 3600},
		}),
	}

	reg.MustRegister(
		m.ConnectionsOpened,
		m.ConnectionsClosed,
		m.ConnectionsRejected,
		m.DiscoveryRequests,
		m.ConnectionDuration,
		newConnectionCollector(src),
		counterFunc("datagrams_sent_total", "Datagrams handed to the socket.", util.Stats.DatagramsSent.Load),
		counterFunc("datagrams_received_total", "Datagrams read from the socket.", util.Stats.DatagramsRecv.Load),
		counterFunc("datagrams_dropped_total", "Datagrams discarded by simulated loss.", util.Stats.DatagramsDropped.Load),
		counterFunc("bytes_sent_total", "Bytes written to the socket.", util.Stats.BytesSent.Load),
		counterFunc("bytes_received_total", "Bytes read from the socket.", util.Stats.BytesRecv.Load),
	)
	return m
}

func counterFunc(name, help string, load func() int64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(load()) })
}

func (m *Metrics) ConnectionOpened(*peer.Connection) { m.ConnectionsOpened.Inc() }
func (m *Metrics) DiscoveryAnswered()                { m.DiscoveryRequests.Inc() }

func (m *Metrics) ConnectionClosed(c *peer.Connection, cause peer.DisconnectCause) {
	m.ConnectionsClosed.WithLabelValues(cause.Reason.String()).Inc()
	m.ConnectionDuration.Observe(time.Since(c.CreatedAt()).Seconds())
}

func (m *Metrics) ConnectionRejected(reason peer.Reason) {
	m.ConnectionsRejected.WithLabelValues(reason.String()).Inc()
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	util.LogInfo("metrics on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
