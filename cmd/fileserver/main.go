// Command fileserver accepts raw-IP TCP connections, reads each one to
// completion, and writes what it received to a file.
package main

import (
	"bytes"
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
		Use:   "fileserver <address> <port> <savepath>",
		Short: "Accept raw-IP TCP connections and save each one's payload to savepath",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := net.ParseIP(args[0])
			if addr == nil {
				return fmt.Errorf("fileserver: not an IPv4 address: %s", args[0])
			}
			var port uint16
			if _, err := fmt.Sscanf(args[1], "%d", &port); err != nil {
				return fmt.Errorf("fileserver: not a port: %s", args[1])
			}
			return run(cmd.Context(), addr, port, args[2])
		},
	}
	return c
}

func run(ctx context.Context, addr net.IP, port uint16, savepath string) error {
	conn, err := rawip.NewConn()
	if err != nil {
		return err
	}

	resolveSource := func(remote net.IP) (net.IP, error) { return netroute.Resolve(ctx, remote) }
	engine := tcp.New(ctx, conn, resolveSource)

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
	g.Go("fileserver", func(ctx context.Context) error {
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
			if err := saveConn(ctx, engine, connID, savepath); err != nil {
				dlog.Errorf(ctx, "%s: %v", connID, err)
			}
		}
	})

	return g.Wait()
}

func saveConn(ctx context.Context, engine *tcp.Engine, connID tcp.SockID, savepath string) error {
	var received bytes.Buffer
	buf := make([]byte, 2000)
	for {
		n, err := engine.Receive(ctx, connID, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			dlog.Infof(ctx, "%s: closing connection, saving %d bytes to %s", connID, received.Len(), savepath)
			if err := engine.Close(ctx, connID); err != nil {
				return err
			}
			return os.WriteFile(savepath, received.Bytes(), 0o644)
		}
		received.Write(buf[:n])
	}
}
