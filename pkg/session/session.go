// Package session owns one client connection's conversation. A single loop
// goroutine serializes every input (client envelopes, audio frames, and the
// recognition, dispatch and playback relays) and is the only writer of
// session state.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/voicebank/pkg/adapters/stt"
	"github.com/harunnryd/voicebank/pkg/adapters/tts"
	"github.com/harunnryd/voicebank/pkg/bargein"
	"github.com/harunnryd/voicebank/pkg/dialogue"
	"github.com/harunnryd/voicebank/pkg/dispatch"
	"github.com/harunnryd/voicebank/pkg/errorsx"
	"github.com/harunnryd/voicebank/pkg/logging"
	"github.com/harunnryd/voicebank/pkg/metrics"
	"github.com/harunnryd/voicebank/pkg/playback"
	"github.com/harunnryd/voicebank/pkg/protocol"
	"github.com/harunnryd/voicebank/pkg/recognition"
)

// Conn is the outbound half of a client channel.
type Conn interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Close(reason string) error
}

// Interrupter is implemented by channels that must flush media already
// handed to the far end when a turn is cancelled.
type Interrupter interface {
	Interrupt(turnID uint64)
}

type Config struct {
	IdleTimeout  time.Duration
	EventBuffer  int
	MaxHistory   int
	ApologyText  string
	FatalText    string
	Format       protocol.AudioFormat
	AutoActivate bool
}

const (
	DefaultEventBuffer = 256
	DefaultMaxHistory  = 20
	DefaultApologyText = "죄송합니다. 잠시 문제가 발생했어요. 다시 말씀해 주시겠어요?"
	DefaultFatalText   = "세션을 계속할 수 없어 연결을 종료합니다."
)

func (c Config) withDefaults() Config {
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.MaxHistory == 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	if c.ApologyText == "" {
		c.ApologyText = DefaultApologyText
	}
	if c.FatalText == "" {
		c.FatalText = DefaultFatalText
	}
	if c.Format.SampleRate == 0 {
		c.Format = protocol.Linear16
	}
	return c
}

// Deps are the external collaborators. TTS may be nil for a text-only
// deployment; Engine and STT are required.
type Deps struct {
	STT            stt.Factory
	STTConfig      stt.Config
	STTQueueSize   int
	Engine         dialogue.Engine
	TTS            tts.Synthesizer
	Logger         *slog.Logger
	Observer       metrics.Observer
	StateListeners []StateListener
}

type Session struct {
	id     string
	cfg    Config
	conn   Conn
	logger *slog.Logger
	obs    metrics.Observer

	fsm        *stateMachine
	recognizer *recognition.Adapter
	dispatcher *dispatch.Dispatcher
	speaker    *playback.Coordinator
	history    *dialogue.History

	inbox    chan any
	done     chan struct{}
	doneOnce sync.Once

	// Loop-owned state.
	ctx       context.Context
	voice     bool
	turnSeq   uint64
	turn      *turn
	idle      *time.Timer
	closing   bool
	closeErr  error
	startedAt time.Time

	cancelled *cancelSet
}

// New builds a session bound to conn. Run must be called to start it.
func New(cfg Config, deps Deps, conn Conn) (*Session, error) {
	if conn == nil {
		return nil, errors.New("session: conn is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("session: dialogue engine is required")
	}
	if deps.STT == nil {
		return nil, errors.New("session: stt factory is required")
	}
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	base := deps.Logger
	if base == nil {
		base = slog.Default()
	}
	base = base.With("session_id", id)
	logger := logging.NewComponentLogger(base, "session")
	obs := deps.Observer
	if obs == nil {
		obs = metrics.NoopObserver{}
	}

	s := &Session{
		id:         id,
		cfg:        cfg,
		conn:       conn,
		logger:     logger,
		obs:        obs,
		fsm:        newStateMachine(),
		dispatcher: dispatch.New(deps.Engine, logging.NewComponentLogger(base, "dispatch"), obs),
		history:    dialogue.NewHistory(cfg.MaxHistory),
		inbox:      make(chan any, cfg.EventBuffer),
		cancelled:  newCancelSet(),
		done:       make(chan struct{}),
	}
	if deps.TTS != nil {
		s.speaker = playback.NewCoordinator(deps.TTS, logging.NewComponentLogger(base, "playback"), obs)
	}
	sttCfg := deps.STTConfig
	sttCfg.SessionID = id
	if sttCfg.SampleRate == 0 {
		sttCfg.SampleRate = cfg.Format.SampleRate
	}
	if sttCfg.Encoding == "" {
		sttCfg.Encoding = cfg.Format.Encoding
	}
	s.recognizer = recognition.NewAdapter(recognition.Config{
		Factory:   deps.STT,
		STT:       sttCfg,
		QueueSize: deps.STTQueueSize,
		Logger:    logging.NewComponentLogger(base, "recognition"),
		Observer:  obs,
	}, func(ev recognition.Event) { s.post(ev) })
	s.fsm.AddListener(metricsListener{session: s})
	for _, l := range deps.StateListeners {
		s.fsm.AddListener(l)
	}
	return s, nil
}

func (s *Session) ID() string            { return s.id }
func (s *Session) State() State          { return s.fsm.State() }
func (s *Session) Done() <-chan struct{} { return s.done }

// TurnCancelled reports whether turnID was interrupted. Writers use it to
// drop queued envelopes of cancelled turns.
func (s *Session) TurnCancelled(turnID uint64) bool {
	if turnID == 0 {
		return false
	}
	return s.cancelled.has(turnID)
}

type clientEnvelope struct{ env protocol.Envelope }
type clientAudio struct{ frame protocol.AudioFrame }
type clientMalformed struct{ err error }

// HandleText decodes one inbound text frame and queues it for the loop.
func (s *Session) HandleText(data []byte) bool {
	env, err := protocol.Decode(data)
	if err != nil {
		return s.post(clientMalformed{err: err})
	}
	return s.post(clientEnvelope{env: env})
}

// HandleEnvelope queues an already decoded envelope.
func (s *Session) HandleEnvelope(env protocol.Envelope) bool {
	return s.post(clientEnvelope{env: env})
}

// HandleAudio queues one binary frame. The bytes are copied.
func (s *Session) HandleAudio(data []byte) bool {
	frame := protocol.NewAudioFrameFromPool(data)
	if !s.post(clientAudio{frame: frame}) {
		frame.Release()
		return false
	}
	return true
}

// post hands an input to the loop. It blocks while the inbox is full and
// gives up once the session has ended.
func (s *Session) post(in any) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- in:
		return true
	case <-s.done:
		return false
	}
}

// Run drives the session until ctx is done or the session closes itself.
// A nil return means the client went away; an error means a fatal failure.
func (s *Session) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx
	s.startedAt = time.Now()
	defer s.doneOnce.Do(func() { close(s.done) })
	defer s.teardown()
	defer func() {
		if r := recover(); r != nil {
			s.fatal(errorsx.Errorf(errorsx.ReasonSessionPanic, "session panic: %v", r))
			err = s.closeErr
		}
	}()

	metrics.Record(s.obs, metrics.EventSessionStarted, 1, map[string]string{metrics.TagSession: s.id})
	s.logger.Info("session_started")
	s.send(protocol.SessionStarted(s.id, s.fsm.State().String()))

	var idleC <-chan time.Time
	if s.cfg.IdleTimeout > 0 {
		s.idle = time.NewTimer(s.cfg.IdleTimeout)
		defer s.idle.Stop()
		idleC = s.idle.C
	}
	if s.cfg.AutoActivate {
		s.activateVoice()
	}

	for !s.closing {
		select {
		case <-ctx.Done():
			return nil
		case <-idleC:
			s.onIdleTimeout()
		case in := <-s.inbox:
			s.dispatchInput(in)
		}
	}
	return s.closeErr
}

func (s *Session) dispatchInput(in any) {
	switch ev := in.(type) {
	case clientEnvelope:
		s.touch()
		s.onEnvelope(ev.env)
	case clientAudio:
		s.onAudio(ev.frame)
	case clientMalformed:
		s.protocolError(ev.err, "malformed envelope")
	case recognition.Event:
		s.onRecognition(ev)
	case dispatch.Event:
		s.onDispatch(ev)
	case playback.Event:
		s.onPlayback(ev)
	default:
		s.fatal(errorsx.Errorf(errorsx.ReasonSessionInvariant, "unexpected session input %T", in))
	}
}

func (s *Session) teardown() {
	if s.turn != nil {
		s.cancelTurn(bargein.SourceShutdown)
	}
	s.recognizer.Close()
	s.voice = false
	for {
		select {
		case in := <-s.inbox:
			if a, ok := in.(clientAudio); ok {
				a.frame.Release()
			}
		default:
			metrics.Record(s.obs, metrics.EventSessionEnded, time.Since(s.startedAt).Seconds(), map[string]string{
				metrics.TagSession: s.id,
			})
			s.logger.Info("session_ended", "turns", s.turnSeq, "duration", time.Since(s.startedAt).String())
			return
		}
	}
}

// touch restarts the idle window on client activity.
func (s *Session) touch() {
	if s.idle == nil {
		return
	}
	if !s.idle.Stop() {
		select {
		case <-s.idle.C:
		default:
		}
	}
	s.idle.Reset(s.cfg.IdleTimeout)
}

func (s *Session) onIdleTimeout() {
	if s.fsm.State() != StateListening {
		s.touch()
		return
	}
	s.logger.Info("idle_timeout", "after", s.cfg.IdleTimeout.String())
	s.recognizer.Close()
	s.voice = false
	s.moveTo(StateIdle, "idle timeout", 0)
}

// send writes one envelope. A write failure is a transport error: the
// session ends and its resources are released.
func (s *Session) send(env protocol.Envelope) {
	if s.closing && !(env.Type == protocol.TypeError && env.Fatal) {
		return
	}
	if err := s.conn.Send(s.ctx, env); err != nil {
		if s.closing {
			return
		}
		s.logger.Info("transport_send_failed", "type", env.Type, "error", err)
		s.closing = true
		if s.ctx.Err() == nil {
			s.closeErr = errorsx.Errorf(errorsx.ReasonTransportSend, "send %s: %w", env.Type, err)
		}
	}
}

// moveTo performs a validated transition. An invalid transition is an
// invariant violation and ends the session.
func (s *Session) moveTo(to State, reason string, turnID uint64) {
	if s.closing {
		return
	}
	from := s.fsm.State()
	if from == to {
		return
	}
	held := s.fsm.Since()
	if _, err := s.fsm.Transition(to, reason); err != nil {
		s.fatal(errorsx.Wrap(err, errorsx.ReasonSessionInvariant))
		return
	}
	s.logger.Debug("state_transition", "from", from.String(), "to", to.String(), "reason", reason, "turn_id", turnID, "held_ms", held.Milliseconds())
	if !to.InTurn() {
		turnID = 0
	}
	s.send(protocol.StateChanged(to.String(), turnID))
}

// returnState is where a turn lands when it ends.
func (s *Session) returnState() State {
	if s.voice {
		return StateListening
	}
	return StateIdle
}

// fatal moves to ERROR, surfaces one terminal message and closes the channel.
func (s *Session) fatal(err error) {
	if s.closing {
		return
	}
	s.logger.Error("session_fatal", "error", err, "reason", errorsx.Reason(err), "error_class", errorsx.ClassOf(err))
	if s.turn != nil {
		s.cancelTurn(bargein.SourceShutdown)
	}
	s.recognizer.Close()
	s.voice = false
	if _, terr := s.fsm.Transition(StateError, err.Error()); terr == nil {
		s.send(protocol.StateChanged(StateError.String(), 0))
	}
	s.closing = true
	s.closeErr = err
	s.send(protocol.FatalError(s.cfg.FatalText))
	if cerr := s.conn.Close(string(errorsx.Reason(err))); cerr != nil {
		s.logger.Debug("conn_close_failed", "error", cerr)
	}
}

// protocolError drops an offending event. Session state is unchanged.
func (s *Session) protocolError(err error, msg string) {
	reason := errorsx.Reason(err)
	if reason == errorsx.ReasonUnknown {
		reason = errorsx.ReasonProtocolMalformed
	}
	s.logger.Warn("protocol_error", "message", msg, "error", err, "reason", reason, "state", s.fsm.State().String())
	metrics.Record(s.obs, metrics.EventProtocolError, 1, map[string]string{
		metrics.TagSession: s.id,
		metrics.TagReason:  string(reason),
	})
}

type metricsListener struct{ session *Session }

func (l metricsListener) OnStateChange(ev StateChange) {
	metrics.Record(l.session.obs, metrics.EventStateTransition, 1, map[string]string{
		metrics.TagSession: l.session.id,
		metrics.TagFrom:    ev.FromState.String(),
		metrics.TagState:   ev.ToState.String(),
	})
}
