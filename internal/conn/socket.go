package conn

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

func sockaddr(ip net.IP, port int) (unix.Sockaddr, int) {
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6
}

func sockaddrToTCP(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3]), Port: a.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, a.Addr[:])
		return &net.TCPAddr{IP: ip, Port: a.Port}
	default:
		return nil
	}
}

func listenSocket(ip net.IP, port, backlog int, control func(fd int) error) (int, error) {
	sa, family := sockaddr(ip, port)
	fd, err := newSocket(family)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if family == unix.AF_INET6 && ip.IsUnspecified() {
		// Dual-stack when the kernel allows it; failure just leaves v6 only.
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	}
	if control != nil {
		if err := control(fd); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", net.JoinHostPort(ip.String(), strconv.Itoa(port)), err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

func dialSocket(ip net.IP, port int) (int, State, error) {
	sa, family := sockaddr(ip, port)
	fd, err := newSocket(family)
	if err != nil {
		return -1, Error, fmt.Errorf("socket: %w", err)
	}

	err = unix.Connect(fd, sa)
	switch {
	case err == nil:
		return fd, Open, nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
		return fd, Connecting, nil
	default:
		_ = unix.Close(fd)
		return -1, Error, fmt.Errorf("connect %s: %w", net.JoinHostPort(ip.String(), strconv.Itoa(port)), err)
	}
}

// socketError returns the pending error on fd, or nil if there is none.
func socketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// tuneSocket applies per-connection options. Failures are ignored, the
// same as net.TCPConn.SetKeepAliveConfig errors are on accepted conns.
func tuneSocket(fd int, ka net.KeepAliveConfig) {
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	_ = applyKeepAlive(fd, ka)
}
