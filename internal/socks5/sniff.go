package socks5

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	CmdConnect = txsocks5.CmdConnect
	MethodNone = txsocks5.MethodNone
)

// ErrIncomplete means more bytes are needed before a message can be parsed.
var ErrIncomplete = errors.New("socks5: incomplete message")

// ErrNoAcceptableMethod is returned when the greeting does not offer no-auth.
var ErrNoAcceptableMethod = errors.New("socks5: no acceptable method")

// ErrCommandNotSupported is returned for anything but CONNECT.
var ErrCommandNotSupported = errors.New("socks5: command not supported")

// Request is a parsed CONNECT request.
type Request struct {
	Cmd  byte
	Atyp byte
	Host string
	Port string
}

// Address returns host:port.
func (r *Request) Address() string {
	return net.JoinHostPort(r.Host, r.Port)
}

// ParseGreeting parses a method-selection message at the start of b and
// returns how many bytes it used. It returns ErrIncomplete if b is a
// prefix of a valid greeting.
func ParseGreeting(b []byte) (int, error) {
	rd := bytes.NewReader(b)
	neg, err := txsocks5.NewNegotiationRequestFrom(rd)
	if err != nil {
		return 0, wrapParse("greeting", err)
	}
	if !bytes.Contains(neg.Methods, []byte{txsocks5.MethodNone}) {
		return len(b) - rd.Len(), ErrNoAcceptableMethod
	}
	return len(b) - rd.Len(), nil
}

// ParseRequest parses a request message at the start of b and returns it
// with the number of bytes it used. A non-CONNECT request is returned along
// with ErrCommandNotSupported so the caller can answer with the right
// address type.
func ParseRequest(b []byte) (*Request, int, error) {
	rd := bytes.NewReader(b)
	req, err := txsocks5.NewRequestFrom(rd)
	if err != nil {
		return nil, 0, wrapParse("request", err)
	}
	n := len(b) - rd.Len()

	r := &Request{Cmd: req.Cmd, Atyp: req.Atyp}
	switch req.Atyp {
	case txsocks5.ATYPDomain:
		r.Host = string(req.DstAddr[1:])
	default:
		r.Host = net.IP(req.DstAddr).String()
	}
	r.Port = strconv.Itoa(int(binary.BigEndian.Uint16(req.DstPort)))

	if req.Cmd != txsocks5.CmdConnect {
		return r, n, ErrCommandNotSupported
	}
	return r, n, nil
}

func wrapParse(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrIncomplete
	}
	return fmt.Errorf("socks5 %s: %w", what, err)
}
