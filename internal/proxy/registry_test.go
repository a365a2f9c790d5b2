package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	r.addUnpaired(1)
	r.addUnpaired(3)
	r.addUnpaired(5)
	assert.Equal(t, 3, r.unpairedLen())

	r.pair("a:80", 1, 2)
	r.pair("a:80", 3, 4)
	r.pair("b:443", 5, 6)
	assert.Equal(t, 0, r.unpairedLen())
	assert.Equal(t, 3, r.pairLen())
	assert.Equal(t, 2, r.destinationLen())
	for _, id := range []uint64{1, 2, 3, 4, 5, 6} {
		assert.Equal(t, 1, r.memberships(id), "node %d", id)
	}

	assert.True(t, r.removePair("a:80", 4), "lookup by server id")
	assert.Equal(t, []pair{{client: 1, server: 2}}, r.paired("a:80"))
	assert.False(t, r.removePair("a:80", 3))
	assert.Equal(t, 0, r.memberships(3))

	assert.True(t, r.removePair("a:80", 1))
	assert.Equal(t, 1, r.destinationLen())
	assert.True(t, r.removePair("b:443", 5))
	assert.Equal(t, 0, r.pairLen())
	assert.Equal(t, 0, r.destinationLen())
}

func TestRegistryRemoveUnpaired(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	r.addUnpaired(7)
	assert.True(t, r.removeUnpaired(7))
	assert.False(t, r.removeUnpaired(7))
	assert.Equal(t, 0, r.memberships(7))
}

func TestNodeWindow(t *testing.T) {
	t.Parallel()

	n := &node{buf: make([]byte, 5)}
	assert.Len(t, n.free(), 5)
	assert.Nil(t, n.window())

	copy(n.free(), "abc")
	n.size = 3
	assert.Equal(t, "abc", string(n.window()))
	assert.Len(t, n.free(), 2)

	n.advance(2)
	assert.Equal(t, 2, n.shift)
	assert.Equal(t, "c", string(n.window()))

	// Fill to the end, then wrap into the two bytes freed at the front.
	copy(n.free(), "de")
	n.size += 2
	assert.Equal(t, "cde", string(n.window()))
	assert.Equal(t, []byte{'a', 'b'}, n.free())
	copy(n.free(), "fg")
	n.size += 2
	assert.True(t, n.full())
	assert.Nil(t, n.free())

	assert.Equal(t, "cde", string(n.window()))
	n.advance(3)
	assert.Equal(t, 0, n.shift, "shift wraps at capacity")
	assert.Equal(t, "fg", string(n.window()))
	n.advance(2)
	assert.Equal(t, 0, n.size)
	assert.Equal(t, 0, n.shift)
}

func TestNodeConsumeAndQueue(t *testing.T) {
	t.Parallel()

	n := &node{buf: make([]byte, 8)}
	n.size = copy(n.buf, "\x05\x01\x00rest")
	n.consume(3)
	assert.Equal(t, "rest", string(n.window()))

	n.queue([]byte("reply"))
	assert.Equal(t, "reply", string(n.window()))
}
