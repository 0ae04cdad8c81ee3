package system

import (
	"sync"
)

// LimitedBuffer keeps the last N bytes written to it. Engine processes can be
// extremely chatty on stderr; we only ever want the tail for error reports.
type LimitedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func NewLimitedBuffer(limit int) *LimitedBuffer {
	return &LimitedBuffer{limit: limit}
}

func (b *LimitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *LimitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

func (b *LimitedBuffer) String() string {
	return string(b.Bytes())
}
