// lambdanet is the CLI entry point.
//
// This tool runs a small chat relay on top of the reliable-UDP transport:
// one process serves, any number connect, and anyone can discover a running
// server without joining it.
//
// It can be launched interactively (no subcommand) or non-interactively via
// the serve, connect and discover subcommands.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/lambdanet/internal/app"
	"github.com/1ureka/lambdanet/internal/client"
	"github.com/1ureka/lambdanet/internal/config"
	"github.com/1ureka/lambdanet/internal/util"
)

var version = "dev"

var (
	cfgFile   string
	debugMode bool
	address   string
	transport string

	serverName string
	maxClients int
	metricsOn  bool

	discoverTimeout time.Duration

	cfg *config.Config
)

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lambdanet",
		Short:         "Reliable UDP chat relay",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			applyFlags(cmd)
			if cfg.Debug {
				util.EnableDebug()
			}
			pterm.Info.Println(fmt.Sprintf("lambdanet v%s", version))
			pterm.Println()
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			// No subcommand: interactive mode.
			return runInteractive(cmd.Context())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Path to a .toml or .yaml config file")
	pf.BoolVar(&debugMode, "debug", false, "Enable debug logging")
	pf.StringVar(&address, "address", "", "Listen address (serve) or server address (connect, discover)")
	pf.StringVar(&transport, "transport", "", "Datagram carrier: udp or websocket")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run a chat relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	serve.Flags().StringVar(&serverName, "name", "", "Server name reported to discovery")
	serve.Flags().IntVar(&maxClients, "max-clients", 0, "Maximum concurrent connections")
	serve.Flags().BoolVar(&metricsOn, "metrics", false, "Expose Prometheus metrics")

	connect := &cobra.Command{
		Use:   "connect",
		Short: "Join a chat relay and chat from stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConnect(cmd.Context())
		},
	}

	discover := &cobra.Command{
		Use:   "discover",
		Short: "Ask a server for its name and occupancy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDiscover(cmd.Context())
		},
	}
	discover.Flags().DurationVar(&discoverTimeout, "timeout", 2*time.Second, "How long to wait for the reply")

	root.AddCommand(serve, connect, discover)
	return root
}

// applyFlags overrides the loaded configuration with explicitly set flags.
func applyFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if debugMode {
		cfg.Debug = true
	}
	if flags.Changed("address") {
		cfg.Address = address
	}
	if flags.Changed("transport") {
		cfg.Transport = config.Transport(transport)
	}
	if flags.Changed("name") {
		cfg.ServerName = serverName
	}
	if flags.Changed("max-clients") {
		cfg.Network.MaxClients = maxClients
	}
	if flags.Changed("metrics") {
		cfg.Metrics.Enabled = metricsOn
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to prompts when no subcommand is given.
func runInteractive(ctx context.Context) error {
	mode, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Serve   : Host a chat relay",
			"Connect : Join a chat relay",
			"Discover: Query a server",
		}).
		WithDefaultText("Select a mode").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(mode, "Serve"):
		cfg.Address = askAddress("Listen address", cfg.Address)
		return runServe(ctx)
	case strings.HasPrefix(mode, "Connect"):
		cfg.Address = askAddress("Server address", cfg.Address)
		return runConnect(ctx)
	default:
		cfg.Address = askAddress("Server address", cfg.Address)
		discoverTimeout = 2 * time.Second
		return runDiscover(ctx)
	}
}

func runServe(ctx context.Context) error {
	if err := app.RunHost(ctx, cfg); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	util.LogInfo("server stopped")
	return nil
}

func runConnect(ctx context.Context) error {
	if err := app.RunClient(ctx, cfg, os.Stdin, os.Stdout); err != nil {
		return err
	}
	util.LogInfo("disconnected")
	return nil
}

func runDiscover(ctx context.Context) error {
	info, err := client.DiscoverConfig(ctx, cfg, discoverTimeout)
	if err != nil {
		return err
	}
	util.LogSuccess("%s at %s", info, cfg.Address)
	return nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askAddress prompts for a host:port until a valid one is entered.
func askAddress(prompt, fallback string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(fmt.Sprintf("%s (default %s)", prompt, fallback)).
			Show()

		raw = strings.TrimSpace(raw)
		if raw == "" {
			pterm.Println()
			return fallback
		}
		if _, _, err := net.SplitHostPort(raw); err == nil {
			pterm.Println()
			return raw
		}

		pterm.Println()
		util.LogWarning("invalid address: expected host:port")
	}
}
