package socks5

import (
	"bytes"
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// MethodReply returns the method-selection reply for the no-auth method.
func MethodReply() []byte {
	return negotiationReply(txsocks5.MethodNone)
}

// NoAcceptableMethodsReply returns the method-selection reply refusing
// every offered method.
func NoAcceptableMethodsReply() []byte {
	// RFC 1928: 0xFF indicates no acceptable methods.
	return negotiationReply(0xff)
}

// SuccessReply returns a success reply using localAddr as the bound address.
func SuccessReply(localAddr net.Addr) ([]byte, error) {
	a, addr, port, err := txsocks5.ParseAddress(localAddr.String())
	if err != nil {
		return nil, fmt.Errorf("parse local address %q: %w", localAddr.String(), err)
	}
	if a == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	return encode(txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port)), nil
}

// ConnectionRefusedReply returns a reply reporting the destination refused
// the connection.
func ConnectionRefusedReply(atyp byte) []byte {
	return encode(newZeroAddrReply(txsocks5.RepConnectionRefused, atyp))
}

// HostUnreachableReply returns a reply reporting the destination could not
// be resolved or reached.
func HostUnreachableReply(atyp byte) []byte {
	return encode(newZeroAddrReply(txsocks5.RepHostUnreachable, atyp))
}

// CommandNotSupportedReply returns a reply rejecting a non-CONNECT command.
func CommandNotSupportedReply(atyp byte) []byte {
	return encode(newZeroAddrReply(txsocks5.RepCommandNotSupported, atyp))
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

func negotiationReply(method byte) []byte {
	var b bytes.Buffer
	_, _ = txsocks5.NewNegotiationReply(method).WriteTo(&b)
	return b.Bytes()
}

func encode(r *txsocks5.Reply) []byte {
	var b bytes.Buffer
	_, _ = r.WriteTo(&b)
	return b.Bytes()
}
