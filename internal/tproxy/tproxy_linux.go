//go:build linux

package tproxy

import (
	"errors"
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

// soOriginalDst is SO_ORIGINAL_DST (and IP6T_SO_ORIGINAL_DST) from
// linux/netfilter_ipv4.h.
const soOriginalDst = 80

// Control enables IP_TRANSPARENT on fd so it can accept redirected
// connections. It requires CAP_NET_ADMIN. Note: you still need appropriate
// iptables/nft rules.
func Control(fd int) error {
	domain, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DOMAIN)
	if err != nil {
		return fmt.Errorf("socket domain: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_TRANSPARENT, 1); err != nil {
		return fmt.Errorf("set IP_TRANSPARENT: %w", err)
	}
	if domain == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1); err != nil {
			return fmt.Errorf("set IPV6_TRANSPARENT: %w", err)
		}
	}
	return nil
}

// OriginalDst returns the original destination of the accepted connection fd.
func OriginalDst(fd int) (*net.TCPAddr, error) {
	if addr, err := natOriginalDst(fd); err == nil {
		return addr, nil
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]).To16(), Port: sa.Port}, nil
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}, nil
	}
	return nil, errors.New("original destination unavailable")
}

func natOriginalDst(fd int) (*net.TCPAddr, error) {
	// The buffer is large enough for either sockaddr_in or sockaddr_in6.
	var raw unix.RawSockaddrInet6
	sz := uint32(unsafe.Sizeof(raw))

	level := unix.SOL_IP
	domain, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DOMAIN)
	if err == nil && domain == unix.AF_INET6 {
		level = unix.SOL_IPV6
	}
	_, _, e := unix.Syscall6(
		unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(level),
		uintptr(soOriginalDst),
		uintptr(unsafe.Pointer(&raw)),
		uintptr(unsafe.Pointer(&sz)),
		0,
	)
	if e != 0 {
		return nil, e
	}

	switch raw.Family {
	case unix.AF_INET:
		sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(&raw))
		return &net.TCPAddr{IP: net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3]), Port: ntohs(sa.Port)}, nil
	case unix.AF_INET6:
		return &net.TCPAddr{IP: append(net.IP(nil), raw.Addr[:]...), Port: ntohs(raw.Port)}, nil
	}
	return nil, fmt.Errorf("unexpected address family %d", raw.Family)
}

func ntohs(p uint16) int {
	return int(p>>8)&0xff | (int(p&0xff) << 8)
}
