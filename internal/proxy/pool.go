package proxy

import (
	"github.com/eapache/queue"
)

// BufferPool hands out fixed-size relay buffers. It is not safe for
// concurrent use; the engine only touches it from the reactor.
type BufferPool struct {
	size        int
	keep        int
	free        *queue.Queue
	outstanding int
}

// NewBufferPool allocates prewarm buffers of size bytes. The pool grows on
// demand when empty and keeps at most prewarm idle buffers afterwards.
func NewBufferPool(size, prewarm int) *BufferPool {
	p := &BufferPool{size: size, keep: prewarm, free: queue.New()}
	for range prewarm {
		p.free.Add(make([]byte, size))
	}
	return p
}

func (p *BufferPool) Get() []byte {
	p.outstanding++
	if p.free.Length() > 0 {
		return p.free.Remove().([]byte)
	}
	return make([]byte, p.size)
}

// Put returns b to the pool. Buffers of the wrong size are dropped.
func (p *BufferPool) Put(b []byte) {
	if b == nil {
		return
	}
	p.outstanding--
	if cap(b) < p.size || p.free.Length() >= p.keep {
		return
	}
	p.free.Add(b[:p.size])
}

// Size returns the capacity of every buffer handed out.
func (p *BufferPool) Size() int { return p.size }

// Free returns the number of idle buffers.
func (p *BufferPool) Free() int { return p.free.Length() }

// Outstanding returns the number of buffers handed out and not yet returned.
func (p *BufferPool) Outstanding() int { return p.outstanding }
