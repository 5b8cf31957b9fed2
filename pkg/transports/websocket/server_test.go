package websocket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voicebank/pkg/metrics"
	"github.com/harunnryd/voicebank/pkg/protocol"
	"github.com/harunnryd/voicebank/pkg/providers/mock"
	"github.com/harunnryd/voicebank/pkg/session"
	"github.com/harunnryd/voicebank/pkg/transports"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mockSessions(transcript string) transports.SessionFactory {
	sttFactory := mock.NewSTTFactory(mock.STTConfig{Transcripts: []string{transcript}, FramesPerUtterance: 3})
	return func(conn session.Conn, opts transports.Options) (transports.Session, error) {
		return session.New(session.Config{Format: opts.Format, AutoActivate: opts.AutoActivate}, session.Deps{
			STT:    sttFactory,
			Engine: mock.NewEngine(mock.EngineConfig{}),
			TTS:    mock.NewTTS(mock.TTSConfig{}),
			Logger: quietLogger(),
		}, conn)
	}
}

func startServer(t *testing.T, cfg Config, factory transports.SessionFactory, obs metrics.Observer) (*Server, string) {
	t.Helper()
	srv := NewServer(cfg, factory, quietLogger(), obs)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		hs.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("expected text frame, got %d", mt)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return env
}

func readUntil(t *testing.T, ws *websocket.Conn, match func(protocol.Envelope) bool) []protocol.Envelope {
	t.Helper()
	var seen []protocol.Envelope
	for {
		env := readEnvelope(t, ws)
		seen = append(seen, env)
		if match(env) {
			return seen
		}
	}
}

func writeEnvelope(t *testing.T, ws *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestVoiceTurnOverSocket(t *testing.T) {
	_, url := startServer(t, Config{}, mockSessions("잔액 알려주세요"), nil)
	ws := dial(t, url)

	hello := readEnvelope(t, ws)
	if hello.Type != protocol.TypeSessionStarted || hello.SessionID == "" || hello.State != "IDLE" {
		t.Fatalf("unexpected handshake %+v", hello)
	}

	writeEnvelope(t, ws, protocol.ActivateVoice())
	readUntil(t, ws, func(e protocol.Envelope) bool {
		return e.Type == protocol.TypeStateChanged && e.State == "LISTENING"
	})

	frame := make([]byte, protocol.Linear16.FrameBytes(20*time.Millisecond))
	for i := 0; i < 3; i++ {
		if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("write audio: %v", err)
		}
	}

	seen := readUntil(t, ws, func(e protocol.Envelope) bool {
		return e.Type == protocol.TypeStateChanged && e.State == "LISTENING"
	})

	var final protocol.Envelope
	var text strings.Builder
	var audio, ends int
	for _, e := range seen {
		switch e.Type {
		case protocol.TypeSTTFinal:
			final = e
		case protocol.TypeLLMChunk:
			text.WriteString(e.Chunk)
		case protocol.TypeTTSAudioChunk:
			audio++
			if e.TurnID != final.TurnID {
				t.Fatalf("audio for turn %d during turn %d", e.TurnID, final.TurnID)
			}
		case protocol.TypeTTSStreamEnd:
			ends++
		}
	}
	if final.Transcript != "잔액 알려주세요" || final.TurnID != 1 {
		t.Fatalf("unexpected final %+v", final)
	}
	if text.String() != mock.DefaultAnswers["잔액"] {
		t.Fatalf("unexpected reply %q", text.String())
	}
	if audio == 0 || ends != 1 {
		t.Fatalf("expected audio and one stream end, got %d chunks %d ends", audio, ends)
	}
}

func TestMalformedTextKeepsSession(t *testing.T) {
	_, url := startServer(t, Config{}, mockSessions("계좌"), nil)
	ws := dial(t, url)
	readEnvelope(t, ws)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	writeEnvelope(t, ws, protocol.UserText("계좌 만들고 싶어요"))
	seen := readUntil(t, ws, func(e protocol.Envelope) bool { return e.Type == protocol.TypeLLMEnd })
	for _, e := range seen {
		if e.Type == protocol.TypeError && e.Fatal {
			t.Fatalf("malformed input must not end the session: %+v", e)
		}
	}
}

func TestInboundAudioIsRateLimited(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	_, url := startServer(t, Config{FramesPerSecond: 1, Burst: 1}, mockSessions("계좌"), obs)
	ws := dial(t, url)
	readEnvelope(t, ws)

	frame := make([]byte, 640)
	for i := 0; i < 5; i++ {
		if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("write audio: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for obs.Count(metrics.EventFramesDropped) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected dropped frames, got %d", obs.Count(metrics.EventFramesDropped))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOriginRejected(t *testing.T) {
	_, url := startServer(t, Config{AllowedOrigins: []string{"https://bank.example"}}, mockSessions("계좌"), nil)

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatalf("expected origin rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}

	header.Set("Origin", "https://bank.example")
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	_ = ws.Close()
}

// scriptedSession replays fixed envelopes through the conn it was built with.
type scriptedSession struct {
	conn      session.Conn
	script    func(ctx context.Context, conn session.Conn) error
	cancelled map[uint64]bool
	done      chan struct{}
	once      sync.Once
}

func (s *scriptedSession) ID() string                            { return "scripted" }
func (s *scriptedSession) HandleText([]byte) bool                { return true }
func (s *scriptedSession) HandleEnvelope(protocol.Envelope) bool { return true }
func (s *scriptedSession) HandleAudio([]byte) bool               { return true }
func (s *scriptedSession) TurnCancelled(id uint64) bool          { return s.cancelled[id] }
func (s *scriptedSession) Done() <-chan struct{}                 { return s.done }

func (s *scriptedSession) Run(ctx context.Context) error {
	defer s.once.Do(func() { close(s.done) })
	return s.script(ctx, s.conn)
}

func scripted(cancelled map[uint64]bool, script func(ctx context.Context, conn session.Conn) error) transports.SessionFactory {
	return func(conn session.Conn, _ transports.Options) (transports.Session, error) {
		return &scriptedSession{conn: conn, script: script, cancelled: cancelled, done: make(chan struct{})}, nil
	}
}

func TestWriterDropsCancelledTurnEnvelopes(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	factory := scripted(map[uint64]bool{1: true}, func(ctx context.Context, conn session.Conn) error {
		_ = conn.Send(ctx, protocol.LLMChunk(1, "stale"))
		_ = conn.Send(ctx, protocol.TTSAudioChunk(1, []byte{1, 2}))
		_ = conn.Send(ctx, protocol.STTFinal("새 질문", 2))
		_ = conn.Send(ctx, protocol.LLMChunk(2, "fresh"))
		<-ctx.Done()
		return nil
	})
	_, url := startServer(t, Config{}, factory, obs)
	ws := dial(t, url)

	first := readEnvelope(t, ws)
	if first.Type != protocol.TypeSTTFinal || first.TurnID != 2 {
		t.Fatalf("expected the final of turn 2 first, got %+v", first)
	}
	second := readEnvelope(t, ws)
	if second.Type != protocol.TypeLLMChunk || second.Chunk != "fresh" {
		t.Fatalf("expected fresh chunk, got %+v", second)
	}
	if got := obs.Count(metrics.EventStaleDropped); got != 2 {
		t.Fatalf("expected 2 stale drops, got %d", got)
	}
}

func TestSessionCloseFlushesFatalError(t *testing.T) {
	factory := scripted(nil, func(ctx context.Context, conn session.Conn) error {
		_ = conn.Send(ctx, protocol.FatalError("bye"))
		_ = conn.Close("session_invariant")
		return errors.New("invariant")
	})
	_, url := startServer(t, Config{}, factory, nil)
	ws := dial(t, url)

	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeError || !env.Fatal || env.Message != "bye" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
		t.Fatalf("expected internal error close, got %v", err)
	}
}

func TestShutdownEndsSessions(t *testing.T) {
	srv, url := startServer(t, Config{}, mockSessions("계좌"), nil)
	ws := dial(t, url)
	readEnvelope(t, ws)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if srv.Active() != 0 {
		t.Fatalf("expected no active sockets, got %d", srv.Active())
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatalf("expected the socket to be closed")
	}
}
