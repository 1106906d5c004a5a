// Command fileclient sends the contents of a local file over a raw-IP TCP
// connection and closes the connection once every byte has been handed
// off.
package main

import (
	"context"
	"fmt"
	"net"
	"os"

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
		Use:   "fileclient <address> <port> <path>",
		Short: "Send a file over a raw-IP TCP connection",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := net.ParseIP(args[0])
			if addr == nil {
				return fmt.Errorf("fileclient: not an IPv4 address: %s", args[0])
			}
			var port uint16
			if _, err := fmt.Sscanf(args[1], "%d", &port); err != nil {
				return fmt.Errorf("fileclient: not a port: %s", args[1])
			}
			return run(cmd.Context(), addr, port, args[2])
		},
	}
	return c
}

func run(ctx context.Context, addr net.IP, port uint16, path string) error {
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

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := engine.Send(ctx, connID, data); err != nil {
		return err
	}
	dlog.Infof(ctx, "sent %d bytes, closing", len(data))
	return engine.Close(ctx, connID)
}
