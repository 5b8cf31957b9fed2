// Package recognition keeps exactly one upstream speech recognition stream
// open for a session and relays its transcripts back as generation-tagged
// events. A stream is never paused: on rotation the old stream is closed and
// frames flow into a fresh one.
package recognition

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/harunnryd/voicebank/pkg/adapters/stt"
	"github.com/harunnryd/voicebank/pkg/errorsx"
	"github.com/harunnryd/voicebank/pkg/metrics"
	"github.com/harunnryd/voicebank/pkg/protocol"
)

type Kind int

const (
	KindInterim Kind = iota
	KindFinal
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindInterim:
		return "interim"
	case KindFinal:
		return "final"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is a transcript or failure from the stream identified by Generation.
// Events from a generation other than the adapter's current one are stale.
type Event struct {
	Generation uint64
	Kind       Kind
	Text       string
	Err        error
	// Starting is set when the failure happened while connecting.
	Starting bool
}

// Sink receives events on the stream goroutines. It must return promptly.
type Sink func(Event)

var (
	ErrNoStream  = errors.New("no recognition stream open")
	ErrQueueFull = errors.New("recognition queue full")
)

const DefaultQueueSize = 250

type Config struct {
	Factory   stt.Factory
	STT       stt.Config
	QueueSize int
	Logger    *slog.Logger
	Observer  metrics.Observer
}

// Adapter is owned by the session loop; its methods are not safe for
// concurrent use. The stream goroutines only talk back through the Sink.
type Adapter struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger

	gen     uint64
	current *stream
}

func NewAdapter(cfg Config, sink Sink) *Adapter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	return &Adapter{cfg: cfg, sink: sink, logger: cfg.Logger}
}

// Open closes any current stream and starts a new one. The provider connects
// in the background; frames pushed meanwhile are queued in order.
func (a *Adapter) Open(ctx context.Context) (uint64, error) {
	a.Close()
	if a.cfg.Factory == nil {
		return 0, errorsx.Wrap(errors.New("no stt factory configured"), errorsx.ReasonSTTConnect)
	}
	provider, err := a.cfg.Factory(a.cfg.STT)
	if err != nil {
		return 0, errorsx.Errorf(errorsx.ReasonSTTConnect, "build stt stream: %w", err)
	}
	a.gen++
	s := &stream{
		gen:      a.gen,
		provider: provider,
		queue:    make(chan protocol.AudioFrame, a.cfg.QueueSize),
		done:     make(chan struct{}),
		sink:     a.sink,
		logger:   a.logger.With("generation", a.gen, "provider", provider.Name()),
		obs:      a.cfg.Observer,
	}
	a.current = s
	go s.run(ctx)
	return s.gen, nil
}

// Rotate replaces the current stream after a final transcript.
func (a *Adapter) Rotate(ctx context.Context) (uint64, error) {
	return a.Open(ctx)
}

// Push queues one frame for the current stream. The adapter owns the frame
// from here on and releases it once sent or dropped. A full queue drops the
// frame and counts it; the stream itself stays healthy.
func (a *Adapter) Push(frame protocol.AudioFrame) error {
	if a.current == nil {
		frame.Release()
		return ErrNoStream
	}
	select {
	case a.current.queue <- frame:
		return nil
	default:
		frame.Release()
		metrics.Record(a.cfg.Observer, metrics.EventFramesDropped, 1, map[string]string{
			metrics.TagProvider: a.current.provider.Name(),
			metrics.TagReason:   string(errorsx.ReasonSTTOverflow),
		})
		return errorsx.Errorf(errorsx.ReasonSTTOverflow, "%w (%d frames)", ErrQueueFull, cap(a.current.queue))
	}
}

// Close stops the current stream without waiting on the provider.
func (a *Adapter) Close() {
	if a.current == nil {
		return
	}
	a.current.stop()
	a.current = nil
}

func (a *Adapter) Active() bool       { return a.current != nil }
func (a *Adapter) Generation() uint64 { return a.gen }

// Current reports whether gen is the live stream.
func (a *Adapter) Current(gen uint64) bool {
	return a.current != nil && a.current.gen == gen
}

type stream struct {
	gen      uint64
	provider stt.StreamingSTT
	queue    chan protocol.AudioFrame
	done     chan struct{}
	stopOnce sync.Once
	failOnce sync.Once
	sink     Sink
	logger   *slog.Logger
	obs      metrics.Observer
}

func (s *stream) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *stream) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *stream) run(ctx context.Context) {
	defer s.drain()
	defer func() {
		if err := s.provider.Close(); err != nil {
			s.logger.Debug("stt_close_failed", "error", err)
		}
	}()

	if err := s.provider.Start(ctx); err != nil {
		if !s.stopped() {
			s.fail(errorsx.Errorf(errorsx.ReasonSTTConnect, "start stt: %w", err), true)
		}
		return
	}
	s.logger.Debug("stt_stream_open")

	results := make(chan struct{})
	go func() {
		defer close(results)
		s.relay()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-results:
			if !s.stopped() {
				s.fail(errorsx.Wrap(errors.New("stt stream ended unexpectedly"), errorsx.ReasonSTTStream), false)
			}
			return
		case frame := <-s.queue:
			err := s.provider.SendAudio(frame.Bytes())
			frame.Release()
			if err != nil {
				if !s.stopped() {
					s.fail(errorsx.Errorf(errorsx.ReasonSTTSend, "send audio: %w", err), false)
				}
				return
			}
		}
	}
}

func (s *stream) relay() {
	for r := range s.provider.Results() {
		if s.stopped() {
			continue
		}
		if r.Err != nil {
			s.fail(errorsx.Wrap(r.Err, errorsx.ReasonSTTStream), false)
			return
		}
		kind := KindInterim
		if r.IsFinal {
			kind = KindFinal
		}
		s.sink(Event{Generation: s.gen, Kind: kind, Text: r.Text})
	}
}

// fail reports the first failure of the stream only.
func (s *stream) fail(err error, starting bool) {
	s.failOnce.Do(func() { s.report(err, starting) })
}

func (s *stream) report(err error, starting bool) {
	s.logger.Warn("stt_stream_failed", "error", err, "reason", errorsx.Reason(err), "starting", starting)
	metrics.Record(s.obs, metrics.EventProviderError, 1, map[string]string{
		metrics.TagProvider: s.provider.Name(),
		metrics.TagReason:   string(errorsx.Reason(err)),
	})
	s.sink(Event{Generation: s.gen, Kind: KindFailed, Err: err, Starting: starting})
}

func (s *stream) drain() {
	for {
		select {
		case frame := <-s.queue:
			frame.Release()
		default:
			return
		}
	}
}
