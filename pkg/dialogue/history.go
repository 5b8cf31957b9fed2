package dialogue

import "sync"

// History is a bounded conversation transcript owned by one session.
type History struct {
	mu   sync.Mutex
	max  int
	msgs []Message
}

// NewHistory keeps at most max messages. A non-positive max keeps none.
func NewHistory(max int) *History {
	return &History{max: max}
}

func (h *History) Append(role Role, content string) {
	if h == nil || h.max <= 0 || content == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, Message{Role: role, Content: content})
	if over := len(h.msgs) - h.max; over > 0 {
		h.msgs = append(h.msgs[:0], h.msgs[over:]...)
	}
}

// Snapshot returns a copy safe to hand to an engine goroutine.
func (h *History) Snapshot() []Message {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

func (h *History) Len() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

func (h *History) Reset() {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.msgs = nil
	h.mu.Unlock()
}
