package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPool(t *testing.T) {
	t.Parallel()

	p := NewBufferPool(16, 2)
	assert.Equal(t, 2, p.Free())
	assert.Equal(t, 16, p.Size())

	a, b, c := p.Get(), p.Get(), p.Get()
	require.Len(t, a, 16)
	require.Len(t, c, 16)
	assert.Equal(t, 0, p.Free())
	assert.Equal(t, 3, p.Outstanding())

	p.Put(a)
	p.Put(b)
	p.Put(c)
	assert.Equal(t, 0, p.Outstanding())
	assert.Equal(t, 2, p.Free(), "pool keeps at most prewarm idle buffers")

	p.Put(nil)
	assert.Equal(t, 0, p.Outstanding())
}

func TestBufferPoolReuses(t *testing.T) {
	t.Parallel()

	p := NewBufferPool(8, 1)
	a := p.Get()
	a[0] = 'x'
	p.Put(a)

	b := p.Get()
	assert.Equal(t, byte('x'), b[0])
	assert.Equal(t, 1, p.Outstanding())
}
