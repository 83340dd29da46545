package engine

import "sync"

// ring is a fixed-size drop-oldest byte buffer, used to keep the tail of a
// child's stderr for error reporting.
type ring struct {
	mu   sync.Mutex
	buf  []byte
	size int
	pos  int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]byte, size), size: size}
}

func (r *ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range p {
		r.buf[r.pos] = b
		r.pos = (r.pos + 1) % r.size
		if r.pos == 0 {
			r.full = true
		}
	}
	return len(p), nil
}

func (r *ring) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]byte(nil), r.buf[:r.pos]...)
	}
	out := make([]byte, r.size)
	copy(out, r.buf[r.pos:])
	copy(out[r.size-r.pos:], r.buf[:r.pos])
	return out
}

func (r *ring) String() string {
	return string(r.Bytes())
}
