package proxy

import (
	"time"

	"github.com/google/uuid"

	"github.com/die-net/relay/internal/conn"
)

type pendingReply uint8

const (
	replyNone pendingReply = iota
	replyTunnel
	replySOCKS5
)

type socksPhase uint8

const (
	socksGreeting socksPhase = iota
	socksRequest
	socksDone
)

// node is one leg of a relayed connection. Its buffer holds bytes read from
// its own socket that are waiting to be written to its peer.
type node struct {
	id   uint64
	flow uuid.UUID
	ref  conn.Ref

	buf   []byte
	shift int
	size  int

	peer     uint64
	isClient bool
	key      string

	// untilEnd means the peer is gone; tear down once the buffer toward
	// this node's socket has drained.
	untilEnd bool
	// detached means this node's socket was closed while its peer drains.
	detached bool
	// reply is what the client is owed once this server node's connect
	// completes.
	reply   pendingReply
	started time.Time

	listener  *listener
	socks     socksPhase
	socksAtyp byte
}

func (n *node) full() bool {
	return n.size == len(n.buf)
}

// free returns the contiguous unused region after the window.
func (n *node) free() []byte {
	c := len(n.buf)
	if n.size == c {
		return nil
	}
	w := (n.shift + n.size) % c
	if w < n.shift {
		return n.buf[w:n.shift]
	}
	return n.buf[w:c]
}

// window returns the contiguous run of pending bytes starting at shift.
func (n *node) window() []byte {
	if n.size == 0 {
		return nil
	}
	end := n.shift + n.size
	if end > len(n.buf) {
		end = len(n.buf)
	}
	return n.buf[n.shift:end]
}

// advance marks k bytes of the window as written.
func (n *node) advance(k int) {
	n.shift += k
	n.size -= k
	if n.shift == len(n.buf) {
		n.shift = 0
	}
	if n.size == 0 {
		n.shift = 0
	}
}

// consume drops k bytes from the front of an unwrapped sniff buffer and
// moves the rest to the start.
func (n *node) consume(k int) {
	copy(n.buf, n.buf[n.shift+k:n.shift+n.size])
	n.size -= k
	n.shift = 0
}

// queue replaces the window with b.
func (n *node) queue(b []byte) {
	n.shift = 0
	n.size = copy(n.buf, b)
}

func (n *node) role() string {
	if n.isClient {
		return "client"
	}
	return "server"
}
