package poller

import (
	"errors"
	"strings"
)

// Interest is the set of readiness events a descriptor is subscribed to.
type Interest uint8

const (
	None      Interest = 0
	Read      Interest = 1 << 0
	Write     Interest = 1 << 1
	ReadWrite          = Read | Write
	Listen    Interest = 1 << 2
)

// Has reports whether all bits of o are set in i.
func (i Interest) Has(o Interest) bool {
	return o != None && i&o == o
}

func (i Interest) String() string {
	switch i {
	case None:
		return "none"
	case Listen:
		return "listen"
	}
	var parts []string
	if i.Has(Read) {
		parts = append(parts, "read")
	}
	if i.Has(Write) {
		parts = append(parts, "write")
	}
	if i.Has(Listen) {
		parts = append(parts, "listen")
	}
	return strings.Join(parts, "|")
}

// Kind is a bitmask of readiness conditions reported for one descriptor.
type Kind uint8

const (
	Readable Kind = 1 << iota
	Writable
	Errored
)

// Event is one readiness notification.
type Event struct {
	Fd   int
	Tag  any
	Kind Kind
}

var (
	ErrUnsupported   = errors.New("poller: readiness multiplexer not supported on this platform")
	ErrNotRegistered = errors.New("poller: descriptor not registered")
	ErrRegistered    = errors.New("poller: descriptor already registered")
	ErrClosed        = errors.New("poller: closed")
)

type registration struct {
	interest Interest
	tag      any
}
