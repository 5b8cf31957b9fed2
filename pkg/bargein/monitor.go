package bargein

import (
	"log/slog"
	"sync"
	"time"
)

// SpeechDetector classifies one captured frame.
type SpeechDetector interface {
	Observe(samples []int16) bool
}

// Player is the local playback surface the monitor can interrupt.
type Player interface {
	Playing() bool
	// Halt stops output immediately, empties the queue and returns the
	// turn id that was playing.
	Halt() uint64
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithCooldown sets the minimum time between consecutive triggers.
func WithCooldown(d time.Duration) Option {
	return func(m *Monitor) {
		if d >= 0 {
			m.cooldown = d
		}
	}
}

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

const defaultCooldown = 750 * time.Millisecond

// Monitor watches captured audio for speech that overlaps local playback.
// OnFrame runs on the capture callback, so it never blocks: playback is
// halted synchronously and the stop_playback hint is offered on a
// one-slot channel that the network side drains.
type Monitor struct {
	detector SpeechDetector
	player   Player
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastFire time.Time
	triggers chan uint64
}

func NewMonitor(detector SpeechDetector, player Player, opts ...Option) *Monitor {
	m := &Monitor{
		detector: detector,
		player:   player,
		cooldown: defaultCooldown,
		logger:   slog.Default(),
		now:      time.Now,
		triggers: make(chan uint64, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Triggers yields the turn id halted by each barge-in.
func (m *Monitor) Triggers() <-chan uint64 { return m.triggers }

// OnFrame inspects one captured frame and reports whether it caused a barge-in.
func (m *Monitor) OnFrame(samples []int16) bool {
	if m == nil || m.detector == nil || m.player == nil {
		return false
	}
	speaking := m.detector.Observe(samples)
	if !speaking || !m.player.Playing() {
		return false
	}
	now := m.now()
	m.mu.Lock()
	if !m.lastFire.IsZero() && now.Sub(m.lastFire) < m.cooldown {
		m.mu.Unlock()
		return false
	}
	m.lastFire = now
	m.mu.Unlock()

	turnID := m.player.Halt()
	select {
	case m.triggers <- turnID:
	default:
		// A hint is already pending; the server only needs one.
	}
	m.logger.Debug("barge_in_local", "turn_id", turnID)
	return true
}
