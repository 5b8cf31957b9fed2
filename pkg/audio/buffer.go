// Package audio holds the PCM output buffer shared between the playback
// queue and the device callback.
package audio

import "sync"

// Buffer renders one segment at a time into a device callback. Read is
// called from the real-time callback and never blocks beyond a short lock.
type Buffer struct {
	mu   sync.Mutex
	cur  []byte
	pos  int
	done chan struct{}
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Start installs pcm as the playing segment. A segment still playing is
// superseded and its channel closed.
func (b *Buffer) Start(pcm []byte) <-chan struct{} {
	done := make(chan struct{})
	b.mu.Lock()
	b.finishLocked()
	if len(pcm) == 0 {
		close(done)
	} else {
		b.cur, b.pos, b.done = pcm, 0, done
	}
	b.mu.Unlock()
	return done
}

// Halt drops the playing segment. The next Read emits silence.
func (b *Buffer) Halt() {
	b.mu.Lock()
	b.finishLocked()
	b.mu.Unlock()
}

// Active reports whether a segment is being rendered.
func (b *Buffer) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur != nil
}

// Read fills dst with the next bytes of the playing segment, padding with
// silence. It returns how many bytes came from the segment.
func (b *Buffer) Read(dst []byte) int {
	b.mu.Lock()
	n := 0
	if b.cur != nil {
		n = copy(dst, b.cur[b.pos:])
		b.pos += n
		if b.pos >= len(b.cur) {
			b.finishLocked()
		}
	}
	b.mu.Unlock()
	clear(dst[n:])
	return n
}

func (b *Buffer) finishLocked() {
	if b.done != nil {
		close(b.done)
	}
	b.cur, b.pos, b.done = nil, 0, nil
}
