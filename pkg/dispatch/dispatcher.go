// Package dispatch runs the dialogue engine for one turn and relays its
// streamed text back to the session loop.
package dispatch

import (
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harunnryd/voicebank/pkg/bargein"
	"github.com/harunnryd/voicebank/pkg/dialogue"
	"github.com/harunnryd/voicebank/pkg/errorsx"
	"github.com/harunnryd/voicebank/pkg/metrics"
)

type Kind int

const (
	KindChunk Kind = iota
	KindEnd
	KindFailed
)

// Event is one relayed engine output, tagged with its turn.
type Event struct {
	TurnID uint64
	Kind   Kind
	Text   string
	Speak  bool
	Err    error
}

// Sink receives events on the relay goroutine. It must return promptly.
type Sink func(Event)

type Dispatcher struct {
	engine dialogue.Engine
	logger *slog.Logger
	obs    metrics.Observer
}

func New(engine dialogue.Engine, logger *slog.Logger, obs metrics.Observer) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Dispatcher{engine: engine, logger: logger, obs: obs}
}

// Dispatch calls the engine exactly once for the token's turn. Relaying stops
// as soon as the token settles, even if the engine keeps producing.
func (d *Dispatcher) Dispatch(tok *bargein.Token, req dialogue.Request, sink Sink) {
	req.TurnID = tok.TurnID()
	go d.run(tok, req, sink)
}

func (d *Dispatcher) run(tok *bargein.Token, req dialogue.Request, sink Sink) {
	ctx, span := tracer.Start(tok.Context(), "dispatch turn", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.Int64("turn.id", int64(req.TurnID)),
		attribute.Bool("turn.voice", req.VoiceMode),
	))
	defer span.End()
	logger := d.logger.With("turn_id", req.TurnID)
	started := time.Now()

	fail := func(err error) {
		if ctx.Err() != nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("engine_failed", "error", err, "reason", errorsx.Reason(err))
		metrics.Record(d.obs, metrics.EventProviderError, 1, map[string]string{
			metrics.TagProvider: d.engine.Name(),
			metrics.TagReason:   string(errorsx.Reason(err)),
		})
		sink(Event{TurnID: req.TurnID, Kind: KindFailed, Err: err})
	}

	reply, err := d.engine.Respond(ctx, req)
	if err != nil {
		fail(errorsx.Errorf(errorsx.ReasonEngineGenerate, "engine %s: %w", d.engine.Name(), err))
		return
	}
	if reply.Deltas == nil {
		fail(errorsx.Wrap(errors.New("engine returned no stream"), errorsx.ReasonEngineStream))
		return
	}

	chunks := 0
	for {
		select {
		case <-ctx.Done():
			span.AddEvent("relay stopped", trace.WithAttributes(attribute.Int("chunks", chunks)))
			return
		case delta, ok := <-reply.Deltas:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				span.SetAttributes(attribute.Int("turn.chunks", chunks), attribute.Bool("turn.speak", reply.Speak))
				sink(Event{TurnID: req.TurnID, Kind: KindEnd, Speak: reply.Speak})
				return
			}
			if delta.Err != nil {
				fail(errorsx.Wrap(delta.Err, errorsx.ReasonEngineStream))
				return
			}
			if delta.Text == "" || ctx.Err() != nil {
				continue
			}
			if chunks == 0 {
				metrics.Record(d.obs, metrics.EventFirstTextLatency, float64(time.Since(started).Milliseconds()), map[string]string{
					metrics.TagProvider: d.engine.Name(),
				})
			}
			chunks++
			sink(Event{TurnID: req.TurnID, Kind: KindChunk, Text: delta.Text})
		}
	}
}
