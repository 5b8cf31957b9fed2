package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harunnryd/voicebank/pkg/adapters/stt"
	"github.com/harunnryd/voicebank/pkg/adapters/tts"
	"github.com/harunnryd/voicebank/pkg/dialogue"
	"github.com/harunnryd/voicebank/pkg/metrics"
	"github.com/harunnryd/voicebank/pkg/protocol"
)

type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

// fakeConn records every envelope the session writes.
type fakeConn struct {
	mu         sync.Mutex
	envs       []protocol.Envelope
	closed     bool
	reason     string
	interrupts []uint64
}

func (c *fakeConn) Send(ctx context.Context, env protocol.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope written: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.envs = append(c.envs, env)
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reason = reason
	return nil
}

func (c *fakeConn) Interrupt(turnID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupts = append(c.interrupts, turnID)
}

func (c *fakeConn) interrupted() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.interrupts...)
}

func (c *fakeConn) snapshot() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.envs...)
}

func (c *fakeConn) count(match func(protocol.Envelope) bool) int {
	n := 0
	for _, env := range c.snapshot() {
		if match(env) {
			n++
		}
	}
	return n
}

func ofType(typ protocol.Type) func(protocol.Envelope) bool {
	return func(env protocol.Envelope) bool { return env.Type == typ }
}

func ofTurn(typ protocol.Type, turnID uint64) func(protocol.Envelope) bool {
	return func(env protocol.Envelope) bool { return env.Type == typ && env.TurnID == turnID }
}

// fakeStream is a controllable recognition stream.
type fakeStream struct {
	mu       sync.Mutex
	startErr error
	block    chan struct{}
	frames   int
	results  chan stt.Result
	closed   bool
}

func (f *fakeStream) Name() string                    { return "fake-stt" }
func (f *fakeStream) Start(ctx context.Context) error { return f.startErr }
func (f *fakeStream) Results() <-chan stt.Result      { return f.results }

func (f *fakeStream) SendAudio(frame []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.results)
	}
	return nil
}

func (f *fakeStream) emit(r stt.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.results <- r:
	default:
	}
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeStream) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

type fakeSTT struct {
	mu       sync.Mutex
	streams  []*fakeStream
	startErr error
	// block stalls SendAudio on every stream until closed.
	block chan struct{}
}

func (f *fakeSTT) factory(cfg stt.Config) (stt.StreamingSTT, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeStream{results: make(chan stt.Result, 16), startErr: f.startErr, block: f.block}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeSTT) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *fakeSTT) latest() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

func (f *fakeSTT) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[i]
}

// fakeEngine answers with fixed deltas; failures are keyed by call number.
type fakeEngine struct {
	mu       sync.Mutex
	requests []dialogue.Request
	deltas   []string
	fail     map[int]error
	failMid  map[int]error
}

func (e *fakeEngine) Name() string { return "fake-engine" }

func (e *fakeEngine) Respond(ctx context.Context, req dialogue.Request) (dialogue.Reply, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	call := len(e.requests)
	err := e.fail[call]
	mid := e.failMid[call]
	deltas := e.deltas
	e.mu.Unlock()
	if err != nil {
		return dialogue.Reply{}, err
	}
	if deltas == nil {
		deltas = []string{"네, ", "계좌 개설을 ", "도와드릴게요."}
	}
	ch := make(chan dialogue.Delta, len(deltas)+1)
	for _, d := range deltas {
		ch <- dialogue.Delta{Text: d}
	}
	if mid != nil {
		ch <- dialogue.Delta{Err: mid}
	}
	close(ch)
	return dialogue.Reply{Deltas: ch, Speak: req.VoiceMode}, nil
}

func (e *fakeEngine) calls() []dialogue.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]dialogue.Request(nil), e.requests...)
}

// fakeTTS emits two segments per call. With holdFirst the first call keeps
// its stream open until cancelled and then keeps producing, like a
// provider that ignores cancellation.
type fakeTTS struct {
	mu        sync.Mutex
	calls     int
	holdFirst bool
}

func (f *fakeTTS) Name() string { return "fake-tts" }

func (f *fakeTTS) Synthesize(ctx context.Context, text string) (<-chan tts.Segment, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	out := make(chan tts.Segment, 8)
	out <- tts.Segment{Audio: []byte{byte(call), 1}}
	out <- tts.Segment{Audio: []byte{byte(call), 2}}
	if call == 1 && f.holdFirst {
		go func() {
			<-ctx.Done()
			out <- tts.Segment{Audio: []byte{byte(call), 3}}
			close(out)
		}()
		return out, nil
	}
	close(out)
	return out, nil
}

type harness struct {
	sess   *Session
	conn   *fakeConn
	stt    *fakeSTT
	engine *fakeEngine
	tts    *fakeTTS
	obs    *metrics.MemoryObserver
	cancel context.CancelFunc
	runErr chan error
}

func newHarness(t fataler, cfg Config, configure func(*harness, *Deps)) *harness {
	t.Helper()
	h := &harness{
		conn:   &fakeConn{},
		stt:    &fakeSTT{},
		engine: &fakeEngine{},
		tts:    &fakeTTS{},
		obs:    metrics.NewMemoryObserver(),
		runErr: make(chan error, 1),
	}
	deps := Deps{
		STT:      h.stt.factory,
		Engine:   h.engine,
		TTS:      h.tts,
		Observer: h.obs,
	}
	if configure != nil {
		configure(h, &deps)
	}
	sess, err := New(cfg, deps, h.conn)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	h.sess = sess
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- sess.Run(ctx) }()
	return h
}

func (h *harness) stop(t fataler) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop")
		return nil
	}
}

func (h *harness) send(t fataler, raw string) {
	t.Helper()
	if !h.sess.HandleText([]byte(raw)) {
		t.Fatalf("session rejected input %s", raw)
	}
}

func eventually(t fataler, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitState(t fataler, want State) {
	t.Helper()
	eventually(t, "state "+want.String(), func() bool { return h.sess.State() == want })
}

func (h *harness) waitEnvelope(t fataler, what string, match func(protocol.Envelope) bool) {
	t.Helper()
	eventually(t, what, func() bool { return h.conn.count(match) > 0 })
}

// activate enables voice and returns the first recognition stream.
func (h *harness) activate(t fataler) *fakeStream {
	t.Helper()
	h.send(t, `{"type":"activate_voice"}`)
	h.waitState(t, StateListening)
	eventually(t, "stt stream", func() bool { return h.stt.count() > 0 })
	return h.stt.latest()
}

// final feeds a final transcript into the newest stream.
func (h *harness) final(t fataler, text string) {
	t.Helper()
	n := h.stt.count()
	h.stt.latest().emit(stt.Result{Text: text, IsFinal: true})
	eventually(t, "stream rotation", func() bool { return h.stt.count() > n })
}

func states(envs []protocol.Envelope) []string {
	var out []string
	for _, env := range envs {
		if env.Type == protocol.TypeStateChanged {
			out = append(out, env.State)
		}
	}
	return out
}
