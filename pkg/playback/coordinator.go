// Package playback moves synthesized speech to the listener. The server
// side Coordinator streams a turn's segments as the provider yields them;
// the client side Queue plays them strictly in order for the current turn.
package playback

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harunnryd/voicebank/pkg/adapters/tts"
	"github.com/harunnryd/voicebank/pkg/bargein"
	"github.com/harunnryd/voicebank/pkg/errorsx"
	"github.com/harunnryd/voicebank/pkg/metrics"
)

type Kind int

const (
	KindSegment Kind = iota
	KindEnd
	KindFailed
)

// Event is one synthesis outcome tagged with its turn. Index counts
// segments from zero in generation order.
type Event struct {
	TurnID uint64
	Kind   Kind
	Audio  []byte
	Index  int
	Err    error
}

type Sink func(Event)

type Coordinator struct {
	synth  tts.Synthesizer
	logger *slog.Logger
	obs    metrics.Observer
}

func NewCoordinator(synth tts.Synthesizer, logger *slog.Logger, obs metrics.Observer) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Coordinator{synth: synth, logger: logger, obs: obs}
}

// Speak synthesizes text for the token's turn and forwards each segment as
// soon as it is available. Nothing is forwarded once the token settles.
func (c *Coordinator) Speak(tok *bargein.Token, text string, sink Sink) {
	go c.run(tok, text, sink)
}

func (c *Coordinator) run(tok *bargein.Token, text string, sink Sink) {
	turnID := tok.TurnID()
	ctx, span := tracer.Start(tok.Context(), "synthesize turn", trace.WithAttributes(
		attribute.Int64("turn.id", int64(turnID)),
		attribute.Int("text.length", len(text)),
	))
	defer span.End()
	started := time.Now()

	fail := func(err error) {
		if ctx.Err() != nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("tts_failed", "turn_id", turnID, "error", err, "reason", errorsx.Reason(err))
		metrics.Record(c.obs, metrics.EventProviderError, 1, map[string]string{
			metrics.TagProvider: c.synth.Name(),
			metrics.TagReason:   string(errorsx.Reason(err)),
		})
		sink(Event{TurnID: turnID, Kind: KindFailed, Err: err})
	}

	if strings.TrimSpace(text) == "" {
		sink(Event{TurnID: turnID, Kind: KindEnd})
		return
	}
	segments, err := c.synth.Synthesize(ctx, text)
	if err != nil {
		fail(errorsx.Errorf(errorsx.ReasonTTSConnect, "tts %s: %w", c.synth.Name(), err))
		return
	}
	if segments == nil {
		fail(errorsx.Wrap(errors.New("tts returned no stream"), errorsx.ReasonTTSSynthesize))
		return
	}

	index := 0
	for {
		select {
		case <-ctx.Done():
			span.AddEvent("relay stopped", trace.WithAttributes(attribute.Int("segments", index)))
			return
		case seg, ok := <-segments:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				span.SetAttributes(attribute.Int("turn.segments", index))
				sink(Event{TurnID: turnID, Kind: KindEnd, Index: index})
				return
			}
			if seg.Err != nil {
				fail(errorsx.Wrap(seg.Err, errorsx.ReasonTTSSynthesize))
				return
			}
			if len(seg.Audio) == 0 || ctx.Err() != nil {
				continue
			}
			if index == 0 {
				metrics.Record(c.obs, metrics.EventFirstAudioLatency, float64(time.Since(started).Milliseconds()), map[string]string{
					metrics.TagProvider: c.synth.Name(),
				})
			}
			sink(Event{TurnID: turnID, Kind: KindSegment, Audio: seg.Audio, Index: index})
			index++
		}
	}
}
