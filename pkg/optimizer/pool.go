package optimizer

import (
	"bytes"
	"sync/atomic"
)

// bufferPool is a bounded free list of byte buffers. Unlike sync.Pool its
// size is observable and can be trimmed.
type bufferPool struct {
	free    chan *bytes.Buffer
	bufSize int
	hits    atomic.Int64
	misses  atomic.Int64
}

func newBufferPool(size, bufSize int) *bufferPool {
	p := &bufferPool{free: make(chan *bytes.Buffer, max(size, 1)), bufSize: bufSize}
	for range size {
		p.free <- bytes.NewBuffer(make([]byte, 0, bufSize))
	}
	return p
}

func (p *bufferPool) get() *bytes.Buffer {
	select {
	case b := <-p.free:
		p.hits.Add(1)
		return b
	default:
		p.misses.Add(1)
		return bytes.NewBuffer(make([]byte, 0, p.bufSize))
	}
}

// put returns b to the pool. Oversized buffers are dropped.
func (p *bufferPool) put(b *bytes.Buffer) {
	if p.bufSize > 0 && b.Cap() > 4*p.bufSize {
		return
	}
	b.Reset()
	select {
	case p.free <- b:
	default:
	}
}

// trim drops idle buffers until at most n remain and reports how many were
// dropped.
func (p *bufferPool) trim(n int) int {
	dropped := 0
	for len(p.free) > n {
		select {
		case <-p.free:
			dropped++
		default:
			return dropped
		}
	}
	return dropped
}

func (p *bufferPool) idle() int { return len(p.free) }
