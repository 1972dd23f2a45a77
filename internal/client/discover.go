package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/1ureka/lambdanet/internal/config"
	"github.com/1ureka/lambdanet/internal/protocol"
	"github.com/1ureka/lambdanet/internal/transport"
)

const defaultDiscoverTimeout = 2 * time.Second

// Discover asks the listener at cfg.Address for its name and occupancy
// without creating a connection.
func Discover(ctx context.Context, cfg *config.Config) (protocol.DiscoveryInfo, error) {
	conn, raddr, _, err := bind(ctx, cfg)
	if err != nil {
		return protocol.DiscoveryInfo{}, err
	}
	defer conn.Close()
	return DiscoverOn(ctx, conn, raddr)
}

// DiscoverOn sends one NETWORK_DISCOVERY datagram over pc and waits for the
// reply until ctx's deadline, or two seconds without one. pc is not closed.
func DiscoverOn(ctx context.Context, pc net.PacketConn, raddr net.Addr) (protocol.DiscoveryInfo, error) {
	tr := transport.NewTransceiver(pc)
	pool := protocol.NewSegmentPool(protocol.MaxSegmentsPerDatagram)

	seg := pool.RequestFreeSegment("discover")
	seg.SetType(protocol.TypeNetworkDiscovery)
	err := tr.Transmit(raddr, protocol.DatagramHeader{Salt: protocol.RandomSalt()}, []*protocol.Segment{seg})
	seg.Release()
	if err != nil {
		return protocol.DiscoveryInfo{}, fmt.Errorf("send discovery: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultDiscoverTimeout)
	}
	if err := pc.SetReadDeadline(deadline); err != nil {
		return protocol.DiscoveryInfo{}, err
	}
	defer pc.SetReadDeadline(time.Time{})

	for {
		from, ok, err := tr.ReceiveBegin()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return protocol.DiscoveryInfo{}, fmt.Errorf("no discovery reply from %s: %w", raddr, context.DeadlineExceeded)
			}
			return protocol.DiscoveryInfo{}, err
		}
		if !ok || from.String() != raddr.String() {
			continue
		}

		_, segs, err := tr.ReceiveEnd(pool, "discover")
		if err != nil {
			continue
		}
		info, found := findDiscovery(segs)
		pool.FreeSegments(segs)
		if found {
			return info, nil
		}
	}
}

func findDiscovery(segs []*protocol.Segment) (protocol.DiscoveryInfo, bool) {
	for _, seg := range segs {
		if seg.Type() != protocol.TypeNetworkDiscovery {
			continue
		}
		if info, err := protocol.DecodeDiscovery(seg); err == nil {
			return info, true
		}
	}
	return protocol.DiscoveryInfo{}, false
}

// DiscoverConfig is a convenience for the CLI: it applies timeout to ctx.
func DiscoverConfig(ctx context.Context, cfg *config.Config, timeout time.Duration) (protocol.DiscoveryInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return Discover(ctx, cfg)
}
