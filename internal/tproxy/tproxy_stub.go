//go:build !linux

package tproxy

import (
	"errors"
	"net"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = false

var errUnsupported = errors.New("transparent proxy is only supported on linux")

func Control(_ int) error {
	return errUnsupported
}

func OriginalDst(_ int) (*net.TCPAddr, error) {
	return nil, errUnsupported
}
