package session

import "sync"

// cancelWindow is how many turn ids back cancellations are remembered
// exactly. Anything older is settled: a newer turn has long since taken
// over the channel, so its output is stale whether it finished or not.
const cancelWindow = 64

// cancelSet answers TurnCancelled for the writers. Turn ids only grow, so
// the set keeps a floor and the cancelled ids above it.
type cancelSet struct {
	mu    sync.RWMutex
	floor uint64
	ids   map[uint64]struct{}
}

func newCancelSet() *cancelSet {
	return &cancelSet{ids: make(map[uint64]struct{})}
}

func (c *cancelSet) add(turnID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if turnID <= c.floor {
		return
	}
	c.ids[turnID] = struct{}{}
	if turnID <= cancelWindow {
		return
	}
	floor := turnID - cancelWindow
	if floor <= c.floor {
		return
	}
	c.floor = floor
	for id := range c.ids {
		if id <= floor {
			delete(c.ids, id)
		}
	}
}

func (c *cancelSet) has(turnID uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if turnID <= c.floor {
		return true
	}
	_, ok := c.ids[turnID]
	return ok
}

func (c *cancelSet) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}
