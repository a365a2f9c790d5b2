package proxy

import (
	"bytes"
	"errors"
	"net"
	"strings"
)

var (
	// ErrHeaderTooLarge means a client filled MaxHeaderBytes without
	// naming a destination.
	ErrHeaderTooLarge = errors.New("request header too large")
	// ErrNoHost means a complete request header carried no usable Host.
	ErrNoHost = errors.New("request has no Host header")

	errIncomplete = errors.New("incomplete request header")
)

var (
	headerEnd = []byte("\r\n\r\n")
	crlf      = []byte("\r\n")
	hostField = []byte("host:")
)

// tunnelEstablished is the response synthesized for CONNECT tunnels.
var tunnelEstablished = []byte("HTTP/1.1 200 Connection established\r\n\r\n")

// parseHost finds the Host header in a request head that ends with a blank
// line. A Host without a port gets defaultPort.
func parseHost(b []byte, defaultPort string) (host, port string, err error) {
	if !bytes.HasSuffix(b, headerEnd) {
		return "", "", errIncomplete
	}

	// Skip the request line; header field names are case-insensitive.
	_, rest, _ := bytes.Cut(b, crlf)
	for len(rest) > 0 {
		var line []byte
		line, rest, _ = bytes.Cut(rest, crlf)
		if len(line) < len(hostField) || !bytes.EqualFold(line[:len(hostField)], hostField) {
			continue
		}
		return splitHost(string(bytes.TrimSpace(line[len(hostField):])), defaultPort)
	}
	return "", "", ErrNoHost
}

func splitHost(v, defaultPort string) (string, string, error) {
	if h, p, err := net.SplitHostPort(v); err == nil {
		if h == "" || p == "" {
			return "", "", ErrNoHost
		}
		return h, p, nil
	}
	h := strings.TrimSuffix(strings.TrimPrefix(v, "["), "]")
	if h == "" {
		return "", "", ErrNoHost
	}
	return h, defaultPort, nil
}
