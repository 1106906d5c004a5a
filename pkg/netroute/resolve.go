// Package netroute resolves which local IPv4 address the kernel would use
// to reach a given remote address, by shelling out to `ip route get` and
// parsing its output. This mirrors how a raw-IP TCP implementation has no
// socket of its own to ask (there is no accept()ed 4-tuple until the
// handshake completes) and must consult the routing table directly.
package netroute

import (
	"bytes"
	"context"
	"net"
	"os/exec"
	"regexp"

	"github.com/pkg/errors"

	"github.com/datawire/dlib/dlog"
)

var srcFieldPattern = regexp.MustCompile(`\bsrc\s+(\d+\.\d+\.\d+\.\d+)\b`)

// Resolve runs `ip route get <remote>` and extracts the "src" field of its
// output, which is the address the kernel would bind an outbound
// connection to remote with.
func Resolve(ctx context.Context, remote net.IP) (net.IP, error) {
	v4 := remote.To4()
	if v4 == nil {
		return nil, errors.Errorf("netroute: %s is not an IPv4 address", remote)
	}

	cmd := exec.CommandContext(ctx, "ip", "route", "get", v4.String())
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "netroute: ip route get %s", v4)
	}

	match := srcFieldPattern.FindSubmatch(out.Bytes())
	if match == nil {
		return nil, errors.Errorf("netroute: no src field in route to %s: %q", v4, out.String())
	}

	src := net.ParseIP(string(match[1]))
	if src == nil {
		return nil, errors.Errorf("netroute: unparseable src address %q", match[1])
	}

	dlog.Debugf(ctx, "netroute: resolved source %s for remote %s", src, v4)
	return src, nil
}
