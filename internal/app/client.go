package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/lambdanet/internal/client"
	"github.com/1ureka/lambdanet/internal/config"
	"github.com/1ureka/lambdanet/internal/peer"
	"github.com/1ureka/lambdanet/internal/protocol"
	"github.com/1ureka/lambdanet/internal/util"
)

// RunClient orchestrates the full client lifecycle:
//  1. Connect to the relay at cfg.Address
//  2. Send every line read from in as a chat message
//  3. Print relayed lines to out
//  4. Disconnect on /quit, EOF, ctx cancellation or a lost connection
func RunClient(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	pterm.Fprintln(out, fmt.Sprintf("connecting to %s ...", cfg.Address))

	c, err := client.Dial(ctx, cfg, printer(out))
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer c.Close()

	util.LogSuccess("connected to %s as %s", cfg.Address, c.LocalAddr())
	pterm.Fprintln(out, "type a message, /stats or /quit")

	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
	}()

	conn := c.Connection()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return fmt.Errorf("connection lost: %s", conn.Cause())
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(conn, line, out); quit {
				return nil
			}
		}
	}
}

func handleLine(conn *peer.Connection, line string, out io.Writer) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false
	case "/quit":
		return true
	case "/stats":
		s := conn.Statistics().Snapshot()
		pterm.Fprintln(out, fmt.Sprintf("ping %s | sent %d | recv %d | lost %d (%.1f%%) | resent %d",
			s.Ping, s.PacketsSent, s.PacketsReceived, s.PacketsLost, s.PacketLossRate()*100, s.SegmentsResent))
		return false
	}
	if err := SendChat(conn, line); err != nil {
		util.LogWarning("message not sent: %v", err)
	}
	return false
}

func printer(out io.Writer) peer.Handler {
	return peer.HandlerFuncs{
		SegmentReceived: func(_ *peer.Connection, seg *protocol.Segment) {
			if seg.Type() != ChatType {
				return
			}
			if text, ok := seg.ReadString(); ok {
				pterm.Fprintln(out, text)
			}
		},
		Disconnected: func(_ *peer.Connection, cause peer.DisconnectCause) {
			pterm.Fprintln(out, pterm.Yellow("disconnected: "+cause.String()))
		},
	}
}
