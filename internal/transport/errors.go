package transport

import (
	"errors"
	"syscall"
)

var (
	ErrTimeout         = errors.New("transport: no reply before deadline")
	ErrPeerUnreachable = errors.New("transport: peer unreachable")
	ErrTruncated       = errors.New("transport: reply filled the receive buffer")
	ErrClosed          = errors.New("transport: listener closed")
)

// IsUnavailable reports whether err means the peer gave no usable answer,
// as opposed to answering with an empty result.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrPeerUnreachable)
}

// isRefused detects the ICMP port-unreachable a connected UDP socket
// surfaces as ECONNREFUSED.
func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
