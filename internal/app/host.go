package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/1ureka/lambdanet/internal/config"
	"github.com/1ureka/lambdanet/internal/metrics"
	"github.com/1ureka/lambdanet/internal/server"
	"github.com/1ureka/lambdanet/internal/util"
)

// RunHost orchestrates the full host lifecycle:
//  1. Bind the configured transport and attach the chat relay
//  2. Start the stats reporter and, if enabled, the metrics endpoint
//  3. Relay chat until ctx is cancelled
//  4. Disconnect every client and wait for them to go away
func RunHost(ctx context.Context, cfg *config.Config) error {
	relay := NewRelay()
	srv := server.New(cfg, relay)
	relay.Attach(srv)

	if err := srv.Listen(); err != nil {
		return err
	}
	return Serve(ctx, cfg, srv)
}

// Serve runs an already listening server until ctx is cancelled, then shuts
// it down gracefully.
func Serve(ctx context.Context, cfg *config.Config, srv *server.Server) error {
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		srv.SetObserver(metrics.New(reg, srv))
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.ListenAddr, reg); err != nil {
				util.LogError("metrics endpoint failed: %v", err)
			}
		}()
	}
	util.StartStatsReporter(ctx, cfg.StatsInterval.Std())

	printBanner(cfg, srv)

	// Run outlives ctx so Shutdown can still flush DISCONNECT segments.
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(runCtx) }()

	select {
	case err := <-runErr:
		return err
	case <-ctx.Done():
	}

	util.LogInfo("shutting down, disconnecting %d client(s)", srv.ConnectionCount())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Network.DisconnectTimeout.Std()+time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		util.LogWarning("%d client(s) did not disconnect in time", srv.ConnectionCount())
	}

	stopRun()
	return <-runErr
}

func printBanner(cfg *config.Config, srv *server.Server) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║            lambdanet chat relay          ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Name      : %-27s ║\n", srv.Name())
	fmt.Printf("║  Address   : %-27s ║\n", srv.LocalAddr())
	fmt.Printf("║  Transport : %-27s ║\n", cfg.Transport)
	fmt.Printf("║  Clients   : %-27s ║\n", fmt.Sprintf("max %d", srv.MaxClients()))
	fmt.Println("╚══════════════════════════════════════════╝")
	fmt.Println()
}
