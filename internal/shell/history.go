package shell

import "sync"

// historyBuffer is a byte FIFO capped at limit. Overflow truncates the
// oldest bytes; terminal redraw semantics accept the lossy prefix.
type historyBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newHistoryBuffer(limit int) *historyBuffer {
	return &historyBuffer{limit: limit}
}

func (h *historyBuffer) Write(p []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(p) >= h.limit {
		h.buf = append(h.buf[:0:0], p[len(p)-h.limit:]...)
		return
	}
	h.buf = append(h.buf, p...)
	if over := len(h.buf) - h.limit; over > 0 {
		h.buf = append(h.buf[:0:0], h.buf[over:]...)
	}
}

// Bytes returns a copy of the buffered history.
func (h *historyBuffer) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.buf...)
}

func (h *historyBuffer) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buf)
}
