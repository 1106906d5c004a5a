// Command echoclient connects to a raw-IP TCP echo server, sends each
// line of stdin, and prints back whatever the server echoes.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/danlaine/rawtcp/pkg/netroute"
	"github.com/danlaine/rawtcp/pkg/rawip"
	"github.com/danlaine/rawtcp/pkg/tcp"
)

func main() {
	if err := command().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func command() *cobra.Command {
	c := &cobra.Command{
		Use:   "echoclient <address> <port>",
		Short: "Connect to a raw-IP TCP echo server and relay stdin to it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := net.ParseIP(args[0])
			if addr == nil {
				return fmt.Errorf("echoclient: not an IPv4 address: %s", args[0])
			}
			var port uint16
			if _, err := fmt.Sscanf(args[1], "%d", &port); err != nil {
				return fmt.Errorf("echoclient: not a port: %s", args[1])
			}
			return run(cmd.Context(), addr, port)
		},
	}
	return c
}

func run(ctx context.Context, addr net.IP, port uint16) error {
	conn, err := rawip.NewConn()
	if err != nil {
		return err
	}

	resolveSource := func(remote net.IP) (net.IP, error) { return netroute.Resolve(ctx, remote) }
	engine := tcp.New(ctx, conn, resolveSource)

	connID, err := engine.Connect(ctx, addr, port)
	if err != nil {
		return err
	}
	dlog.Infof(ctx, "connected as %s", connID)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = engine.Close(ctx, connID)
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 1500)
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		if err := engine.Send(ctx, connID, []byte(line)); err != nil {
			return err
		}
		n, err := engine.Receive(ctx, connID, buf)
		if err != nil {
			return err
		}
		fmt.Printf("> %s", buf[:n])
	}
	return scanner.Err()
}
