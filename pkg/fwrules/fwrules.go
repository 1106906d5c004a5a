// Package fwrules installs the local iptables rule the raw-IP TCP engine
// needs to function: without it, the real kernel TCP/IP stack sees our raw
// socket's inbound SYN-ACKs and ACKs as addressed to a port nothing has
// bind()ed, and answers them with a RST before our own engine's dispatcher
// ever gets to process the segment.
package fwrules

import (
	"fmt"

	"github.com/coreos/go-iptables/iptables"
	"github.com/pkg/errors"
)

// Guard installs, and on Release removes, an OUTPUT rule that drops the
// kernel's own reflexive RSTs for connections in [loPort, hiPort], the
// range the engine hands out ephemeral ports from.
type Guard struct {
	ipt           *iptables.IPTables
	loPort, hiPort uint16
	rule          []string
}

// NewGuard installs the DROP rule and returns a Guard that can later
// remove it. Requires permission to manipulate the host's iptables state
// (typically root or CAP_NET_ADMIN).
func NewGuard(loPort, hiPort uint16) (*Guard, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, errors.Wrap(err, "fwrules: open iptables")
	}

	rule := []string{
		"-p", "tcp",
		"--sport", fmt.Sprintf("%d:%d", loPort, hiPort),
		"--tcp-flags", "RST", "RST",
		"-j", "DROP",
	}

	if err := ipt.AppendUnique("filter", "OUTPUT", rule...); err != nil {
		return nil, errors.Wrap(err, "fwrules: append RST-drop rule")
	}

	return &Guard{ipt: ipt, loPort: loPort, hiPort: hiPort, rule: rule}, nil
}

// Release removes the rule installed by NewGuard. It is safe to call more
// than once; removing an already-removed rule returns nil.
func (g *Guard) Release() error {
	exists, err := g.ipt.Exists("filter", "OUTPUT", g.rule...)
	if err != nil {
		return errors.Wrap(err, "fwrules: check rule existence")
	}
	if !exists {
		return nil
	}
	if err := g.ipt.Delete("filter", "OUTPUT", g.rule...); err != nil {
		return errors.Wrap(err, "fwrules: delete RST-drop rule")
	}
	return nil
}
