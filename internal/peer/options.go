package peer

import (
	"net"
	"time"

	"github.com/1ureka/lambdanet/internal/config"
)

// Options configures a single Connection.
type Options struct {
	Role     Role
	Endpoint net.Addr
	Stream   bool // ordered lossless carrier: use the NETWORK_ACK manager
	PoolSize int

	MaxTries          int
	ResendInterval    time.Duration
	PingInterval      time.Duration
	PingTimeout       time.Duration
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration

	// Clock defaults to time.Now. Tests drive connections with a fake one.
	Clock func() time.Time
}

// NewOptions builds connection options from the network configuration.
func NewOptions(n config.Network, role Role, endpoint net.Addr, stream bool) Options {
	return Options{
		Role:              role,
		Endpoint:          endpoint,
		Stream:            stream,
		PoolSize:          n.PoolSize,
		MaxTries:          n.MaxTries,
		ResendInterval:    n.ResendInterval.Std(),
		PingInterval:      n.PingInterval.Std(),
		PingTimeout:       n.PingTimeout.Std(),
		ConnectTimeout:    n.ConnectTimeout.Std(),
		DisconnectTimeout: n.DisconnectTimeout.Std(),
	}
}

func (o *Options) applyDefaults() {
	d := config.Default().Network
	if o.PoolSize <= 0 {
		o.PoolSize = d.PoolSize
	}
	if o.ResendInterval <= 0 {
		o.ResendInterval = d.ResendInterval.Std()
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval.Std()
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = d.PingTimeout.Std()
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout.Std()
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = d.DisconnectTimeout.Std()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}
