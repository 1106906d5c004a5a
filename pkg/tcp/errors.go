package tcp

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors surfaced to callers of the public API. Wrap with
// errors.Wrap/Wrapf when a cause is available so the chain survives
// logging through %+v.
var (
	ErrNoSuchSocket            = errors.New("tcp: no such socket")
	ErrNoConnectedSocket       = errors.New("tcp: no connected socket waiting on listener")
	ErrNoAvailablePort         = errors.New("tcp: no available local port")
	ErrAddressResolutionFailed = errors.New("tcp: source address resolution failed")
	ErrIO                      = errors.New("tcp: raw IP I/O failure")
)

// wrapf attaches cause's message to sentinel, preserving sentinel's
// identity for errors.Is while keeping cause's text in the %+v chain.
func wrapf(sentinel, cause error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...) + ": " + cause.Error()
	return errors.Wrap(sentinel, msg)
}
