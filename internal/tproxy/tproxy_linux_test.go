//go:build linux

package tproxy

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOriginalDstFallsBackToLocalAddr(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp4", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	srv, err := ln.Accept()
	require.NoError(t, err)
	defer srv.Close()

	rc, err := srv.(*net.TCPConn).SyscallConn()
	require.NoError(t, err)

	var (
		addr   *net.TCPAddr
		dstErr error
	)
	require.NoError(t, rc.Control(func(fd uintptr) {
		addr, dstErr = OriginalDst(int(fd))
	}))
	require.NoError(t, dstErr)

	want := ln.Addr().(*net.TCPAddr)
	assert.True(t, addr.IP.Equal(want.IP), "got %v want %v", addr, want)
	assert.Equal(t, want.Port, addr.Port)
}

func TestControl(t *testing.T) {
	t.Parallel()

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	err = Control(fd)
	if errors.Is(err, unix.EPERM) {
		t.Skip("IP_TRANSPARENT requires CAP_NET_ADMIN")
	}
	require.NoError(t, err)

	v, err := unix.GetsockoptInt(fd, unix.SOL_IP, unix.IP_TRANSPARENT)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestNtohs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0x1234, ntohs(0x3412))
}
