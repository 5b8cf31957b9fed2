package session

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/harunnryd/voicebank/pkg/adapters/stt"
	"github.com/harunnryd/voicebank/pkg/metrics"
	"github.com/harunnryd/voicebank/pkg/protocol"
)

func TestSessionStartedHandshake(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.waitEnvelope(t, "session_started", ofType(protocol.TypeSessionStarted))
	env := h.conn.snapshot()[0]
	if env.SessionID != h.sess.ID() || env.State != "IDLE" {
		t.Fatalf("unexpected handshake %+v", env)
	}
	if err := h.stop(t); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if h.obs.Count(metrics.EventSessionEnded) != 1 {
		t.Fatalf("expected session ended metric")
	}
}

func TestVoiceTurnRoundTrip(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	defer h.stop(t)
	stream := h.activate(t)

	for i := 0; i < 3; i++ {
		h.sess.HandleAudio(make([]byte, 640))
	}
	eventually(t, "frames forwarded", func() bool { return stream.frameCount() == 3 })

	h.final(t, "계좌 개설하고 싶어요")
	h.waitEnvelope(t, "tts_stream_end", ofTurn(protocol.TypeTTSStreamEnd, 1))
	h.waitState(t, StateListening)

	calls := h.engine.calls()
	if len(calls) != 1 || calls[0].Transcript != "계좌 개설하고 싶어요" || !calls[0].VoiceMode || calls[0].TurnID != 1 {
		t.Fatalf("expected one engine call for the transcript, got %+v", calls)
	}
	envs := h.conn.snapshot()
	want := []string{"LISTENING", "THINKING", "RESPONDING", "SPEAKING", "LISTENING"}
	if got := states(envs); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected states %v, got %v", want, got)
	}

	var text strings.Builder
	var order []protocol.Type
	for _, env := range envs {
		switch env.Type {
		case protocol.TypeSTTFinal, protocol.TypeLLMEnd, protocol.TypeTTSAudioChunk, protocol.TypeTTSStreamEnd:
			order = append(order, env.Type)
		case protocol.TypeLLMChunk:
			text.WriteString(env.Chunk)
		}
		if env.Type.TurnScoped() && env.TurnID != 1 {
			t.Fatalf("unexpected turn id in %+v", env)
		}
	}
	if text.String() != "네, 계좌 개설을 도와드릴게요." {
		t.Fatalf("unexpected relayed text %q", text.String())
	}
	wantOrder := []protocol.Type{protocol.TypeSTTFinal, protocol.TypeLLMEnd, protocol.TypeTTSAudioChunk, protocol.TypeTTSAudioChunk, protocol.TypeTTSStreamEnd}
	if !reflect.DeepEqual(order, wantOrder) {
		t.Fatalf("expected order %v, got %v", wantOrder, order)
	}
	eventually(t, "rotated stream closed", stream.isClosed)
	if h.stt.count() != 2 {
		t.Fatalf("expected the stream rotated on final")
	}
	if h.obs.Count(metrics.EventTurnCompleted) != 1 {
		t.Fatalf("expected turn completed metric")
	}
}

func TestBargeInDuringSpeaking(t *testing.T) {
	h := newHarness(t, Config{}, func(h *harness, _ *Deps) { h.tts.holdFirst = true })
	defer h.stop(t)
	h.activate(t)

	h.final(t, "계좌 개설하고 싶어요")
	eventually(t, "two queued segments", func() bool {
		return h.conn.count(ofTurn(protocol.TypeTTSAudioChunk, 1)) == 2
	})
	h.waitState(t, StateSpeaking)

	h.final(t, "아니요, 잔액 조회요")
	h.waitEnvelope(t, "turn 2 stream end", ofTurn(protocol.TypeTTSStreamEnd, 2))
	h.waitState(t, StateListening)
	time.Sleep(20 * time.Millisecond)

	if !h.sess.TurnCancelled(1) || h.sess.TurnCancelled(2) {
		t.Fatalf("expected only turn 1 cancelled")
	}
	seenTurn2 := false
	for _, env := range h.conn.snapshot() {
		if env.TurnID == 2 {
			seenTurn2 = true
		}
		if seenTurn2 && env.TurnID == 1 {
			t.Fatalf("stale turn 1 envelope after turn 2 started: %+v", env)
		}
	}
	if n := h.conn.count(ofTurn(protocol.TypeTTSAudioChunk, 1)); n != 2 {
		t.Fatalf("expected no further turn 1 segments, got %d", n)
	}
	if n := h.conn.count(ofTurn(protocol.TypeTTSStreamEnd, 1)); n != 0 {
		t.Fatalf("cancelled turn must not end normally")
	}
	if got := h.conn.interrupted(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected channel interrupt for turn 1, got %v", got)
	}
	want := []string{"LISTENING", "THINKING", "RESPONDING", "SPEAKING", "LISTENING", "THINKING", "RESPONDING", "SPEAKING", "LISTENING"}
	if got := states(h.conn.snapshot()); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected states %v, got %v", want, got)
	}
	if h.obs.Count(metrics.EventBargeIn) != 1 {
		t.Fatalf("expected one barge-in metric")
	}
	calls := h.engine.calls()
	if len(calls) != 2 || len(calls[1].History) != 2 {
		t.Fatalf("expected second turn to see user and partial assistant history, got %+v", calls)
	}
}

func TestEngineFailureIsTurnScoped(t *testing.T) {
	h := newHarness(t, Config{ApologyText: "죄송합니다"}, func(h *harness, _ *Deps) {
		h.engine.fail = map[int]error{1: errors.New("engine unavailable")}
	})
	defer h.stop(t)
	h.activate(t)

	h.final(t, "대출 상담 받고 싶어요")
	h.waitEnvelope(t, "turn error", ofTurn(protocol.TypeError, 1))
	h.waitState(t, StateListening)
	if n := h.conn.count(ofType(protocol.TypeError)); n != 1 {
		t.Fatalf("expected exactly one error envelope, got %d", n)
	}
	for _, env := range h.conn.snapshot() {
		if env.Type == protocol.TypeError && (env.Fatal || env.Message != "죄송합니다") {
			t.Fatalf("unexpected error envelope %+v", env)
		}
	}

	h.final(t, "잔액 조회해 주세요")
	h.waitEnvelope(t, "turn 2 completes", ofTurn(protocol.TypeTTSStreamEnd, 2))
	h.waitState(t, StateListening)
	if h.obs.Count(metrics.EventTurnFailed) != 1 || h.obs.Count(metrics.EventTurnCompleted) != 1 {
		t.Fatalf("expected one failed and one completed turn")
	}
}

func TestMidStreamEngineFailureAfterChunks(t *testing.T) {
	h := newHarness(t, Config{}, func(h *harness, _ *Deps) {
		h.engine.failMid = map[int]error{1: errors.New("stream reset")}
	})
	defer h.stop(t)
	h.send(t, `{"type":"user_text","text":"환율 알려줘"}`)
	h.waitEnvelope(t, "turn error", ofTurn(protocol.TypeError, 1))
	h.waitState(t, StateIdle)
	if n := h.conn.count(ofType(protocol.TypeLLMEnd)); n != 0 {
		t.Fatalf("failed turn must not end normally")
	}
}

func TestTextTurnWithoutVoice(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	defer h.stop(t)
	h.send(t, `{"type":"user_text","text":"이체 한도 알려줘"}`)
	h.waitEnvelope(t, "llm end", ofTurn(protocol.TypeLLMEnd, 1))
	h.waitState(t, StateIdle)
	if n := h.conn.count(ofType(protocol.TypeTTSAudioChunk)); n != 0 {
		t.Fatalf("text turn must not synthesize, got %d chunks", n)
	}
	want := []string{"THINKING", "RESPONDING", "IDLE"}
	if got := states(h.conn.snapshot()); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected states %v, got %v", want, got)
	}
}

func TestDeactivateIdempotent(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	defer h.stop(t)
	h.waitEnvelope(t, "session_started", ofType(protocol.TypeSessionStarted))
	h.send(t, `{"type":"deactivate_voice"}`)
	h.send(t, `{"type":"deactivate_voice"}`)
	time.Sleep(20 * time.Millisecond)
	if got := h.conn.snapshot(); len(got) != 1 {
		t.Fatalf("expected no output for idle deactivate, got %+v", got)
	}
	if h.sess.State() != StateIdle {
		t.Fatalf("expected IDLE")
	}

	stream := h.activate(t)
	h.send(t, `{"type":"activate_voice"}`)
	h.send(t, `{"type":"deactivate_voice"}`)
	h.waitState(t, StateIdle)
	eventually(t, "stream closed", stream.isClosed)
	if h.stt.count() != 1 {
		t.Fatalf("repeated activate must not open another stream")
	}
}

func TestEmptyFinalIsNoop(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	defer h.stop(t)
	stream := h.activate(t)
	stream.emit(stt.Result{Text: "   ", IsFinal: true})
	stream.emit(stt.Result{Text: "계좌", IsFinal: false})
	h.waitEnvelope(t, "interim", ofType(protocol.TypeSTTInterim))
	if h.sess.State() != StateListening || len(h.engine.calls()) != 0 || h.stt.count() != 1 {
		t.Fatalf("empty final must keep LISTENING without a turn")
	}
}

func TestInterimBargesIn(t *testing.T) {
	h := newHarness(t, Config{}, func(h *harness, _ *Deps) { h.tts.holdFirst = true })
	defer h.stop(t)
	h.activate(t)
	h.final(t, "적금 가입")
	h.waitState(t, StateSpeaking)

	h.stt.latest().emit(stt.Result{Text: "잠깐만요"})
	h.waitEnvelope(t, "interim", ofType(protocol.TypeSTTInterim))
	h.waitState(t, StateListening)
	if !h.sess.TurnCancelled(1) {
		t.Fatalf("interim during a turn must cancel it")
	}
	if len(h.engine.calls()) != 1 {
		t.Fatalf("interim must not start a turn")
	}
}

func TestStopPlaybackWithoutVoiceGoesIdle(t *testing.T) {
	h := newHarness(t, Config{}, func(h *harness, _ *Deps) {
		h.engine.deltas = []string{"긴 답변"}
		h.tts.holdFirst = true
	})
	defer h.stop(t)
	h.send(t, `{"type":"activate_voice"}`)
	h.waitState(t, StateListening)
	h.send(t, `{"type":"user_text","text":"상품 안내"}`)
	h.waitState(t, StateSpeaking)
	h.send(t, `{"type":"deactivate_voice"}`)
	h.send(t, `{"type":"stop_playback"}`)
	h.waitState(t, StateIdle)
	if !h.sess.TurnCancelled(1) {
		t.Fatalf("stop_playback must cancel the turn")
	}
}

func TestProtocolErrors(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	defer h.stop(t)
	h.activate(t)

	h.send(t, `{"type":"teleport"}`)
	h.send(t, `not json`)
	h.sess.HandleAudio([]byte{1, 2, 3})
	time.Sleep(20 * time.Millisecond)
	if h.sess.State() != StateListening {
		t.Fatalf("malformed input must not change state")
	}
	if h.obs.Count(metrics.EventProtocolError) != 3 {
		t.Fatalf("expected 3 protocol errors, got %d", h.obs.Count(metrics.EventProtocolError))
	}

	// A client speaking the server's half is desynchronized.
	h.send(t, `{"type":"llm_response_end","turnId":4}`)
	h.waitState(t, StateIdle)
	eventually(t, "stream closed", h.stt.latest().isClosed)
}

func TestResetCancelsTurn(t *testing.T) {
	h := newHarness(t, Config{}, func(h *harness, _ *Deps) { h.tts.holdFirst = true })
	defer h.stop(t)
	h.activate(t)
	h.final(t, "카드 분실 신고")
	h.waitState(t, StateSpeaking)
	h.send(t, `{"type":"reset"}`)
	h.waitState(t, StateIdle)
	if !h.sess.TurnCancelled(1) {
		t.Fatalf("reset must cancel the turn")
	}
}

func TestIdleTimeoutClosesStream(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 40 * time.Millisecond, AutoActivate: true}, nil)
	defer h.stop(t)
	h.waitState(t, StateListening)
	stream := h.stt.latest()
	h.waitState(t, StateIdle)
	if !stream.isClosed() {
		t.Fatalf("idle timeout must close the recognition stream")
	}
}

func TestRecognitionStartFailure(t *testing.T) {
	h := newHarness(t, Config{}, func(h *harness, _ *Deps) {
		h.stt.startErr = errors.New("dial refused")
	})
	defer h.stop(t)
	h.send(t, `{"type":"activate_voice"}`)
	h.waitEnvelope(t, "error", ofType(protocol.TypeError))
	h.waitState(t, StateIdle)
	if h.stt.count() != 1 {
		t.Fatalf("start failure must not retry, got %d streams", h.stt.count())
	}
}

func TestRecognitionMidStreamFailureReopens(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	defer h.stop(t)
	stream := h.activate(t)
	stream.emit(stt.Result{Err: errors.New("socket reset")})
	h.waitEnvelope(t, "error", ofType(protocol.TypeError))
	eventually(t, "reopened stream", func() bool { return h.stt.count() == 2 })
	if h.sess.State() != StateListening {
		t.Fatalf("expected to stay LISTENING, got %s", h.sess.State())
	}
}

func TestUnexpectedInputIsFatal(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	defer h.cancel()
	h.waitEnvelope(t, "session_started", ofType(protocol.TypeSessionStarted))
	h.sess.post(struct{}{})
	select {
	case err := <-h.runErr:
		if err == nil {
			t.Fatalf("expected fatal error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not end")
	}
	if h.sess.State() != StateError {
		t.Fatalf("expected ERROR, got %s", h.sess.State())
	}
	var fatal bool
	for _, env := range h.conn.snapshot() {
		if env.Type == protocol.TypeError && env.Fatal {
			fatal = true
		}
	}
	h.conn.mu.Lock()
	closed := h.conn.closed
	h.conn.mu.Unlock()
	if !fatal || !closed {
		t.Fatalf("expected a terminal error and a closed channel")
	}
}

// At no point do text chunks or segments of two different turns interleave
// on the wire, for any mix of transcripts, typed input and stop hints.
func TestAtMostOneLiveTurnProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(rt, Config{AutoActivate: true}, nil)
		eventually(rt, "stream", func() bool { return h.stt.count() > 0 })

		ops := rapid.SliceOfN(rapid.IntRange(0, 4), 1, 12).Draw(rt, "ops")
		for _, op := range ops {
			switch op {
			case 0:
				h.stt.latest().emit(stt.Result{Text: "계좌 개설", IsFinal: true})
			case 1:
				h.stt.latest().emit(stt.Result{Text: "잠깐"})
			case 2:
				h.sess.HandleText([]byte(`{"type":"stop_playback"}`))
			case 3:
				h.sess.HandleText([]byte(`{"type":"user_text","text":"잔액"}`))
			case 4:
				time.Sleep(time.Millisecond)
			}
		}
		time.Sleep(20 * time.Millisecond)
		h.stop(rt)

		var highest uint64
		for _, env := range h.conn.snapshot() {
			if env.TurnID == 0 {
				continue
			}
			if env.TurnID < highest {
				rt.Fatalf("turn %d output after turn %d began: %+v", env.TurnID, highest, env)
			}
			highest = env.TurnID
			if env.Type.TurnScoped() && h.sess.TurnCancelled(env.TurnID) && env.Type == protocol.TypeTTSStreamEnd {
				rt.Fatalf("cancelled turn %d completed", env.TurnID)
			}
		}
	})
}

func TestResetClearsHistory(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	defer h.stop(t)
	h.send(t, `{"type":"user_text","text":"잔액 알려주세요"}`)
	h.waitEnvelope(t, "turn 1 end", ofTurn(protocol.TypeLLMEnd, 1))
	h.waitState(t, StateIdle)
	h.send(t, `{"type":"user_text","text":"이체 한도는요"}`)
	h.waitEnvelope(t, "turn 2 end", ofTurn(protocol.TypeLLMEnd, 2))
	h.waitState(t, StateIdle)

	h.send(t, `{"type":"reset"}`)
	h.send(t, `{"type":"user_text","text":"처음부터 다시요"}`)
	h.waitEnvelope(t, "turn 3 end", ofTurn(protocol.TypeLLMEnd, 3))

	calls := h.engine.calls()
	if len(calls) != 3 {
		t.Fatalf("expected three engine calls, got %d", len(calls))
	}
	if len(calls[1].History) != 2 {
		t.Fatalf("expected turn 2 to see turn 1, got %+v", calls[1].History)
	}
	if len(calls[2].History) != 0 {
		t.Fatalf("reset must start the conversation over, got %+v", calls[2].History)
	}
}

func TestResetKeepsAutoActivatedVoice(t *testing.T) {
	h := newHarness(t, Config{AutoActivate: true}, nil)
	defer h.stop(t)
	h.waitState(t, StateListening)
	first := h.stt.latest()
	h.send(t, `{"type":"reset"}`)
	eventually(t, "fresh stream", func() bool { return h.stt.count() == 2 })
	eventually(t, "old stream closed", first.isClosed)
	h.waitState(t, StateListening)
}

func TestRecognitionOverflowKeepsTurn(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, Config{}, func(h *harness, d *Deps) {
		h.tts.holdFirst = true
		h.stt.block = block
		d.STTQueueSize = 2
	})
	defer h.stop(t)
	defer close(block)
	h.activate(t)
	h.final(t, "카드 분실 신고할게요")
	h.waitState(t, StateSpeaking)

	for i := 0; i < 10; i++ {
		h.sess.HandleAudio(make([]byte, 640))
	}
	eventually(t, "dropped frames", func() bool { return h.obs.Count(metrics.EventFramesDropped) > 0 })

	if h.sess.TurnCancelled(1) {
		t.Fatalf("a full recognition queue must not cancel the turn")
	}
	if n := h.conn.count(ofType(protocol.TypeError)); n != 0 {
		t.Fatalf("a full recognition queue is not a turn error, got %d", n)
	}
	if h.sess.State() != StateSpeaking {
		t.Fatalf("expected to stay SPEAKING, got %s", h.sess.State())
	}
}
