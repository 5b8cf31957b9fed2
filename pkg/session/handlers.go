package session

import (
	"errors"
	"strings"

	"github.com/harunnryd/voicebank/pkg/bargein"
	"github.com/harunnryd/voicebank/pkg/dispatch"
	"github.com/harunnryd/voicebank/pkg/errorsx"
	"github.com/harunnryd/voicebank/pkg/playback"
	"github.com/harunnryd/voicebank/pkg/protocol"
	"github.com/harunnryd/voicebank/pkg/recognition"
)

func (s *Session) onEnvelope(env protocol.Envelope) {
	if env.Type.Direction() != protocol.DirectionClientToServer {
		// The client is speaking our half of the protocol; its view of
		// the session cannot be trusted.
		s.protocolError(errorsx.Errorf(errorsx.ReasonProtocolDesync, "client sent %s", env.Type), "desynchronized client")
		s.resetToIdle(bargein.SourceReset, "desync")
		return
	}
	state := s.fsm.State()
	if state == StateError && env.Type != protocol.TypeReset {
		s.protocolError(errorsx.Errorf(errorsx.ReasonProtocolOutOfState, "%s in ERROR", env.Type), "event dropped")
		return
	}

	switch env.Type {
	case protocol.TypeActivateVoice:
		s.activateVoice()
	case protocol.TypeDeactivateVoice:
		s.deactivateVoice()
	case protocol.TypeStopPlayback:
		if !state.InTurn() {
			s.logger.Debug("stop_playback_ignored", "state", state.String())
			return
		}
		s.bargeIn(bargein.SourceClient)
	case protocol.TypeUserText:
		text := strings.TrimSpace(env.Text)
		if text == "" {
			s.protocolError(errorsx.Errorf(errorsx.ReasonProtocolMalformed, "empty user_text"), "event dropped")
			return
		}
		if state.InTurn() {
			s.bargeIn(bargein.SourceText)
		}
		s.startTurn(text, string(bargein.SourceText))
	case protocol.TypeReset:
		s.resetToIdle(bargein.SourceReset, "client reset")
		s.history.Reset()
		if s.cfg.AutoActivate {
			s.activateVoice()
		}
	}
}

// activateVoice is idempotent. With a turn in flight the stream opens
// immediately so barge-in speech is not lost; the state follows when the
// turn ends.
func (s *Session) activateVoice() {
	if s.voice {
		return
	}
	if _, err := s.recognizer.Open(s.ctx); err != nil {
		s.logger.Warn("voice_activation_failed", "error", err, "reason", errorsx.Reason(err))
		s.send(protocol.TurnError(s.cfg.ApologyText, 0))
		return
	}
	s.voice = true
	if s.fsm.State() == StateIdle {
		s.moveTo(StateListening, "activate_voice", 0)
	}
}

// deactivateVoice is idempotent: while already off it is a no-op.
func (s *Session) deactivateVoice() {
	if !s.voice {
		return
	}
	s.recognizer.Close()
	s.voice = false
	if s.fsm.State() == StateListening {
		s.moveTo(StateIdle, "deactivate_voice", 0)
	}
}

func (s *Session) resetToIdle(src bargein.Source, reason string) {
	s.cancelTurn(src)
	s.recognizer.Close()
	s.voice = false
	s.moveTo(StateIdle, reason, 0)
}

func (s *Session) onAudio(frame protocol.AudioFrame) {
	if err := s.cfg.Format.ValidateFrame(frame.Bytes()); err != nil {
		frame.Release()
		s.protocolError(err, "invalid audio frame")
		return
	}
	if !s.voice || !s.recognizer.Active() {
		frame.Release()
		return
	}
	if err := s.recognizer.Push(frame); err != nil {
		if errors.Is(err, recognition.ErrQueueFull) {
			s.logger.Debug("recognition_frame_dropped", "error", err)
			return
		}
		s.recognitionFailed(err, false)
	}
}

func (s *Session) onRecognition(ev recognition.Event) {
	if !s.recognizer.Current(ev.Generation) {
		s.logger.Debug("stale_recognition_event", "generation", ev.Generation, "current", s.recognizer.Generation(), "kind", ev.Kind.String())
		return
	}
	switch ev.Kind {
	case recognition.KindFailed:
		s.recognitionFailed(ev.Err, ev.Starting)
	case recognition.KindInterim:
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return
		}
		s.touch()
		if s.fsm.State().InTurn() {
			s.bargeIn(bargein.SourceInterim)
		}
		s.send(protocol.STTInterim(text))
	case recognition.KindFinal:
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			// Recognition produced nothing; stay where we are.
			s.logger.Debug("empty_final_ignored", "generation", ev.Generation)
			return
		}
		s.touch()
		if s.fsm.State().InTurn() {
			s.bargeIn(bargein.SourceFinal)
		}
		if _, err := s.recognizer.Rotate(s.ctx); err != nil {
			s.logger.Warn("stt_rotate_failed", "error", err)
			s.voice = false
			s.send(protocol.TurnError(s.cfg.ApologyText, 0))
		}
		s.send(protocol.STTFinal(text, s.turnSeq+1))
		s.startTurn(text, string(bargein.SourceFinal))
	}
}

// recognitionFailed is turn scoped: any in-flight turn is cancelled and
// reported, then the stream is reopened, or voice is switched off when the
// provider cannot be reached at all.
func (s *Session) recognitionFailed(err error, starting bool) {
	var turnID uint64
	if s.turn != nil {
		turnID = s.turn.id
		s.cancelTurn(bargein.SourceRecognizer)
	}
	s.logger.Warn("recognition_failed", "error", err, "reason", errorsx.Reason(err), "starting", starting, "turn_id", turnID)
	s.send(protocol.TurnError(s.cfg.ApologyText, turnID))

	reopened := false
	if !starting {
		if _, rerr := s.recognizer.Open(s.ctx); rerr == nil {
			reopened = true
		} else {
			s.logger.Warn("stt_reopen_failed", "error", rerr)
		}
	}
	if !reopened {
		s.recognizer.Close()
		s.voice = false
	}
	s.moveTo(s.returnState(), "recognition failure", 0)
}

func (s *Session) onDispatch(ev dispatch.Event) {
	t, ok := s.current(ev.TurnID)
	if !ok {
		return
	}
	switch ev.Kind {
	case dispatch.KindChunk:
		if s.fsm.State() == StateThinking {
			s.moveTo(StateResponding, "engine_text_chunk", t.id)
		}
		t.chunks++
		t.reply.WriteString(ev.Text)
		s.send(protocol.LLMChunk(t.id, ev.Text))
	case dispatch.KindEnd:
		s.send(protocol.LLMEnd(t.id))
		if ev.Speak && s.speaker != nil && t.chunks > 0 {
			s.moveTo(StateSpeaking, "engine_end", t.id)
			s.speak(t)
			return
		}
		s.completeTurn("completed")
	case dispatch.KindFailed:
		s.send(protocol.TurnError(s.cfg.ApologyText, t.id))
		s.completeTurn("engine_failed")
	}
}

func (s *Session) onPlayback(ev playback.Event) {
	t, ok := s.current(ev.TurnID)
	if !ok || s.fsm.State() != StateSpeaking {
		return
	}
	switch ev.Kind {
	case playback.KindSegment:
		t.segments++
		s.send(protocol.TTSAudioChunk(t.id, ev.Audio))
	case playback.KindEnd:
		s.send(protocol.TTSStreamEnd(t.id))
		s.completeTurn("completed")
	case playback.KindFailed:
		s.send(protocol.TurnError(s.cfg.ApologyText, t.id))
		s.completeTurn("tts_failed")
	}
}
