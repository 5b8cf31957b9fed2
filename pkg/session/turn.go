package session

import (
	"strings"
	"time"

	"github.com/harunnryd/voicebank/pkg/bargein"
	"github.com/harunnryd/voicebank/pkg/dialogue"
	"github.com/harunnryd/voicebank/pkg/dispatch"
	"github.com/harunnryd/voicebank/pkg/metrics"
	"github.com/harunnryd/voicebank/pkg/playback"
	"github.com/harunnryd/voicebank/pkg/redact"
)

// turn is the single in-flight user-utterance-to-response cycle.
type turn struct {
	id         uint64
	token      *bargein.Token
	transcript string
	voice      bool
	reply      strings.Builder
	chunks     int
	segments   int
	startedAt  time.Time
}

// startTurn opens a new turn for text and hands it to the dispatcher. The
// caller has already settled any previous turn.
func (s *Session) startTurn(text string, source string) {
	s.turnSeq++
	t := &turn{
		id:         s.turnSeq,
		token:      bargein.NewToken(s.ctx, s.turnSeq),
		transcript: text,
		voice:      s.voice,
		startedAt:  time.Now(),
	}
	s.turn = t
	history := s.history.Snapshot()
	s.history.Append(dialogue.RoleUser, text)

	metrics.Record(s.obs, metrics.EventTurnStarted, 1, map[string]string{
		metrics.TagSession: s.id,
		metrics.TagSource:  source,
	})
	s.logger.Info("turn_started", "turn_id", t.id, "source", source, "voice", t.voice, "transcript", redact.Text(text))
	s.moveTo(StateThinking, source, t.id)
	if s.closing {
		return
	}
	s.dispatcher.Dispatch(t.token, dialogue.Request{
		SessionID:  s.id,
		Transcript: text,
		History:    history,
		VoiceMode:  t.voice,
	}, func(ev dispatch.Event) { s.post(ev) })
}

// completeTurn settles the in-flight turn normally or as a turn-scoped failure.
func (s *Session) completeTurn(outcome string) {
	t := s.turn
	if t == nil {
		return
	}
	t.token.Complete()
	s.turn = nil
	if t.reply.Len() > 0 {
		s.history.Append(dialogue.RoleAssistant, t.reply.String())
	}
	name := metrics.EventTurnCompleted
	if outcome != "completed" {
		name = metrics.EventTurnFailed
	}
	metrics.Record(s.obs, name, time.Since(t.startedAt).Seconds(), map[string]string{
		metrics.TagSession: s.id,
		metrics.TagOutcome: outcome,
	})
	s.logger.Info("turn_finished", "turn_id", t.id, "outcome", outcome, "chunks", t.chunks, "segments", t.segments)
	s.logger.Debug("turn_reply", "turn_id", t.id, "text", redact.Text(t.reply.String()))
	s.moveTo(s.returnState(), "turn "+outcome, t.id)
	s.touch()
}

// cancelTurn interrupts the in-flight turn. The token is settled first, so
// the relays stop before anything else happens; only the text the client
// already received is kept in history.
func (s *Session) cancelTurn(src bargein.Source) bool {
	t := s.turn
	if t == nil {
		return false
	}
	s.turn = nil
	if !t.token.Cancel(src) {
		return false
	}
	s.cancelled.add(t.id)
	if t.reply.Len() > 0 {
		s.history.Append(dialogue.RoleAssistant, t.reply.String())
	}
	metrics.Record(s.obs, metrics.EventTurnCancelled, time.Since(t.startedAt).Seconds(), map[string]string{
		metrics.TagSession: s.id,
		metrics.TagSource:  string(src),
	})
	if i, ok := s.conn.(Interrupter); ok {
		i.Interrupt(t.id)
	}
	s.logger.Info("turn_cancelled", "turn_id", t.id, "source", src, "chunks", t.chunks, "segments", t.segments)
	return true
}

// bargeIn cancels the in-flight turn and returns to the listening posture.
// The trigger, if it carries input, becomes the next turn.
func (s *Session) bargeIn(src bargein.Source) bool {
	if !s.cancelTurn(src) {
		return false
	}
	metrics.Record(s.obs, metrics.EventBargeIn, 1, map[string]string{
		metrics.TagSession: s.id,
		metrics.TagSource:  string(src),
	})
	s.moveTo(s.returnState(), "barge-in "+string(src), 0)
	return true
}

func (s *Session) current(turnID uint64) (*turn, bool) {
	if s.turn == nil || s.turn.id != turnID {
		return nil, false
	}
	return s.turn, true
}

func (s *Session) speak(t *turn) {
	s.speaker.Speak(t.token, t.reply.String(), func(ev playback.Event) { s.post(ev) })
}
