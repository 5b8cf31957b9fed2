package playback

import (
	"context"
	"errors"
	"sync"
)

// Output renders one segment at a time. Start must not block; the returned
// channel is closed once the segment has fully played or was halted.
type Output interface {
	Start(pcm []byte) <-chan struct{}
	Halt()
}

var ErrStaleTurn = errors.New("segment belongs to a stale turn")

// Queue is the client side FIFO for the current turn only. A segment for an
// older or cancelled turn is rejected; a segment for a newer turn replaces
// whatever is queued or playing.
type Queue struct {
	out Output

	mu        sync.Mutex
	current   uint64
	cancelled uint64
	segments  [][]byte
	ended     bool
	playing   bool
	wake      chan struct{}
	onDrained func(turnID uint64)
}

func NewQueue(out Output) *Queue {
	return &Queue{out: out, wake: make(chan struct{}, 1)}
}

// OnDrained registers a callback for when a turn's last segment finished.
func (q *Queue) OnDrained(fn func(turnID uint64)) {
	q.mu.Lock()
	q.onDrained = fn
	q.mu.Unlock()
}

// Enqueue accepts one segment for turnID.
func (q *Queue) Enqueue(turnID uint64, pcm []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if turnID <= q.cancelled || turnID < q.current {
		return ErrStaleTurn
	}
	if turnID > q.current {
		q.resetLocked()
		q.current = turnID
	}
	q.segments = append(q.segments, pcm)
	q.signal()
	return nil
}

// End marks that no more segments follow for turnID.
func (q *Queue) End(turnID uint64) {
	q.mu.Lock()
	if turnID != q.current || turnID <= q.cancelled {
		q.mu.Unlock()
		return
	}
	if q.playing || len(q.segments) > 0 {
		q.ended = true
		q.mu.Unlock()
		return
	}
	drained := q.onDrained
	q.mu.Unlock()
	if drained != nil {
		drained(turnID)
	}
}

// Halt stops output immediately, empties the queue and cancels the current
// turn. It returns the halted turn id.
func (q *Queue) Halt() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current > q.cancelled {
		q.cancelled = q.current
	}
	q.resetLocked()
	return q.current
}

// Cancel rejects every segment up to and including turnID.
func (q *Queue) Cancel(turnID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if turnID > q.cancelled {
		q.cancelled = turnID
	}
	if q.current <= q.cancelled {
		q.resetLocked()
	}
}

// Playing reports whether a segment is playing or queued.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing || len(q.segments) > 0
}

func (q *Queue) Current() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.segments)
}

func (q *Queue) resetLocked() {
	q.segments = nil
	q.ended = false
	if q.playing {
		q.out.Halt()
		q.playing = false
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run plays queued segments one at a time until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	for {
		done, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		select {
		case <-ctx.Done():
			q.out.Halt()
			return
		case <-done:
		}
		q.finish()
	}
}

// next starts the head segment under the lock, so a concurrent Halt can
// never race a cancelled segment onto the output.
func (q *Queue) next() (<-chan struct{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.playing || len(q.segments) == 0 {
		return nil, false
	}
	seg := q.segments[0]
	q.segments[0] = nil
	q.segments = q.segments[1:]
	q.playing = true
	return q.out.Start(seg), true
}

func (q *Queue) finish() {
	q.mu.Lock()
	q.playing = false
	var drained func(uint64)
	turnID := q.current
	if q.ended && len(q.segments) == 0 {
		q.ended = false
		drained = q.onDrained
	}
	q.mu.Unlock()
	if drained != nil {
		drained(turnID)
	}
}
