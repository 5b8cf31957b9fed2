// Package mock provides offline collaborators for local runs and tests.
package mock

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/harunnryd/voicebank/pkg/adapters/stt"
)

type STTConfig struct {
	// Transcripts are recognized in turn, one per utterance.
	Transcripts []string
	// FramesPerUtterance is how many frames make up one utterance.
	FramesPerUtterance int
	EmitInterim        bool
}

// NewSTTFactory shares the transcript cursor across streams, so the next
// stream recognizes the next transcript.
func NewSTTFactory(cfg STTConfig) stt.Factory {
	if len(cfg.Transcripts) == 0 {
		cfg.Transcripts = []string{"계좌 개설하고 싶어요"}
	}
	if cfg.FramesPerUtterance <= 0 {
		cfg.FramesPerUtterance = 50
	}
	cursor := &cursor{}
	return func(stt.Config) (stt.StreamingSTT, error) {
		return &StreamingSTT{cfg: cfg, cursor: cursor, out: make(chan stt.Result, 16)}, nil
	}
}

type cursor struct {
	mu sync.Mutex
	n  int
}

func (c *cursor) next(list []string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := list[c.n%len(list)]
	c.n++
	return s
}

type StreamingSTT struct {
	cfg    STTConfig
	cursor *cursor

	mu      sync.Mutex
	out     chan stt.Result
	started bool
	closed  bool
	frames  int
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock stt: closed")
	}
	s.started = true
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}

func (s *StreamingSTT) SendAudio(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return errors.New("mock stt: not started")
	}
	s.frames++
	half := s.cfg.FramesPerUtterance / 2
	switch {
	case s.cfg.EmitInterim && s.frames == half && half > 0:
		text := s.cursor.peek(s.cfg.Transcripts)
		s.push(stt.Result{Text: firstWord(text)})
	case s.frames == s.cfg.FramesPerUtterance:
		s.push(stt.Result{Text: s.cursor.next(s.cfg.Transcripts), IsFinal: true, Confidence: 1})
		s.frames = 0
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan stt.Result { return s.out }

func (s *StreamingSTT) push(r stt.Result) {
	select {
	case s.out <- r:
	default:
	}
}

func (c *cursor) peek(list []string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return list[c.n%len(list)]
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
