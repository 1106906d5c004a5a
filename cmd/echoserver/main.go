// Command echoserver accepts connections on a raw-IP TCP listener and
// echoes back whatever each connection sends it, logging each line.
package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/datawire/dlib/dgroup"
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
		Use:   "echoserver <address> <port>",
		Short: "Listen for raw-IP TCP connections and echo back whatever is received",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := net.ParseIP(args[0])
			if addr == nil {
				return fmt.Errorf("echoserver: not an IPv4 address: %s", args[0])
			}
			var port uint16
			if _, err := fmt.Sscanf(args[1], "%d", &port); err != nil {
				return fmt.Errorf("echoserver: not a port: %s", args[1])
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

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
	g.Go("echoserver", func(ctx context.Context) error {
		listener, err := engine.Listen(addr, port)
		if err != nil {
			return err
		}
		dlog.Infof(ctx, "listening on %s:%d", addr, port)

		for {
			connID, err := engine.Accept(ctx, listener)
			if err != nil {
				return err
			}
			dlog.Infof(ctx, "accepted %s", connID)
			g.Go("conn-"+connID.String(), func(ctx context.Context) error {
				return serveConn(ctx, engine, connID)
			})
		}
	})

	return g.Wait()
}

func serveConn(ctx context.Context, engine *tcp.Engine, connID tcp.SockID) error {
	buf := make([]byte, 1500)
	for {
		n, err := engine.Receive(ctx, connID, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			dlog.Infof(ctx, "%s: peer closed, closing", connID)
			return engine.Close(ctx, connID)
		}
		dlog.Debugf(ctx, "%s: %d bytes", connID, n)
		if err := engine.Send(ctx, connID, buf[:n]); err != nil {
			return err
		}
	}
}
