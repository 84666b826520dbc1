package job

import "sync"

// ringBuffer provides memory-bounded FIFO storage for classified
// output lines. When the buffer exceeds maxBytes the oldest lines are
// evicted, so a job producing unbounded output keeps only the most
// recent window in memory.
//
// Thread-safe: the event loop appends while HTTP handlers snapshot.
type ringBuffer struct {
	mu       sync.Mutex
	maxBytes int
	size     int
	lines    []OutputLine
}

// newRingBuffer creates a ring buffer with the given size limit.
// Defaults to 1MB if maxBytes <= 0.
func newRingBuffer(maxBytes int) *ringBuffer {
	if maxBytes <= 0 {
		maxBytes = 1024 * 1024
	}
	return &ringBuffer{maxBytes: maxBytes}
}

// append adds a line, evicting oldest lines if over the size limit.
func (b *ringBuffer) append(line OutputLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines = append(b.lines, line)
	b.size += len(line.Text)

	for b.size > b.maxBytes && len(b.lines) > 0 {
		removed := b.lines[0]
		b.size -= len(removed.Text)
		b.lines = b.lines[1:]
	}
}

// snapshot returns a copy of all buffered lines.
func (b *ringBuffer) snapshot() []OutputLine {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]OutputLine, len(b.lines))
	copy(out, b.lines)
	return out
}
