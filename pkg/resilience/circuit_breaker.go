package resilience

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitError is a provider telling us to slow down. RetryAfter is zero
// when the provider gave no hint.
type RateLimitError struct {
	Provider   string
	Message    string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "rate limit"
	}
	if e.Provider == "" {
		return msg
	}
	return e.Provider + ": " + msg
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// RetryAfter parses a Retry-After header given in seconds. HTTP dates are
// not used by the providers we talk to and yield zero.
func RetryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

var ErrCircuitOpen = errors.New("circuit open")

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops calling a provider that keeps rate limiting us. Once
// the cooldown passes a single trial call is let through; its outcome closes
// the circuit or opens it again. Only rate limits count as failures. A nil
// breaker allows everything.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	state     BreakerState
	reopenAt  time.Time
	probing   bool
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (c *CircuitBreaker) State() BreakerState {
	if c == nil {
		return BreakerClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow reports whether a call may go out now.
func (c *CircuitBreaker) Allow() bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case BreakerOpen:
		if c.now().Before(c.reopenAt) {
			return false
		}
		c.state = BreakerHalfOpen
		c.probing = true
		return true
	case BreakerHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	default:
		return true
	}
}

func (c *CircuitBreaker) OnSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.failures = 0
	c.state = BreakerClosed
	c.probing = false
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	if c == nil {
		return
	}
	var rl RateLimitError
	c.mu.Lock()
	defer c.mu.Unlock()
	if !errors.As(err, &rl) {
		c.probing = false
		return
	}
	c.failures++
	if c.state == BreakerHalfOpen || c.failures >= c.threshold {
		c.open(rl.RetryAfter)
	}
}

func (c *CircuitBreaker) open(hint time.Duration) {
	wait := c.cooldown
	if hint > wait {
		wait = hint
	}
	c.state = BreakerOpen
	c.probing = false
	c.reopenAt = c.now().Add(wait)
}
