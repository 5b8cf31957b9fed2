package deepgram

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/voicebank/pkg/adapters/stt"
)

func drain(s *StreamingSTT) []stt.Result {
	var out []stt.Result
	for {
		select {
		case r := <-s.out:
			out = append(out, r)
		default:
			return out
		}
	}
}

func TestSegmentsAccumulateUntilSpeechFinal(t *testing.T) {
	s := New(Config{APIKey: "k"}, nil)
	s.onTranscript("계좌", false, false, 0.5)
	s.onTranscript("계좌 개설", true, false, 0.9)
	s.onTranscript("하고", false, false, 0.6)
	s.onTranscript("하고 싶어요", true, true, 0.9)

	got := drain(s)
	want := []stt.Result{
		{Text: "계좌", Confidence: 0.5},
		{Text: "계좌 개설", Confidence: 0.9},
		{Text: "계좌 개설 하고", Confidence: 0.6},
		{Text: "계좌 개설 하고 싶어요", IsFinal: true, Confidence: 0.9},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d results, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("result %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestUtteranceEndFlushesSegments(t *testing.T) {
	s := New(Config{APIKey: "k"}, nil)
	s.onTranscript("잔액", true, false, 1)
	drain(s)
	s.onUtteranceEnd()
	got := drain(s)
	if len(got) != 1 || !got[0].IsFinal || got[0].Text != "잔액" {
		t.Fatalf("unexpected results %+v", got)
	}
	s.onUtteranceEnd()
	if extra := drain(s); len(extra) != 0 {
		t.Fatalf("utterance end without segments emits nothing, got %+v", extra)
	}
}

func TestCloseStopsResults(t *testing.T) {
	s := New(Config{APIKey: "k"}, nil)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	s.onTranscript("late", true, true, 1)
	if _, ok := <-s.Results(); ok {
		t.Fatalf("results must be closed")
	}
	if err := s.SendAudio([]byte{1}); err == nil {
		t.Fatalf("send before start must fail")
	}
}

func TestFactoryAppliesSessionContract(t *testing.T) {
	f := NewFactory(Config{APIKey: "k", Model: "nova-2"}, nil)
	stream, err := f(stt.Config{SessionID: "s-1", SampleRate: 8000, Encoding: "mulaw"})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	s := stream.(*StreamingSTT)
	if s.cfg.SampleRate != 8000 || s.cfg.Encoding != "mulaw" || s.cfg.SessionID != "s-1" || s.cfg.Language != "ko" {
		t.Fatalf("unexpected config %+v", s.cfg)
	}
	if _, err := NewFactory(Config{}, nil)(stt.Config{}); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestSendAudioGivesUpOnStalledUpstream(t *testing.T) {
	s := New(Config{APIKey: "k", Params: Params{StallTimeout: 30 * time.Millisecond}}, nil)
	s.openPipe(context.Background())
	t.Cleanup(func() { _ = s.Close() })

	frame := make([]byte, 320)
	var err error
	for i := 0; i < sendBuffer+2 && err == nil; i++ {
		err = s.SendAudio(frame)
	}
	if !errors.Is(err, ErrStalled) {
		t.Fatalf("expected ErrStalled once nobody reads, got %v", err)
	}
}

func TestCloseReleasesBlockedSend(t *testing.T) {
	s := New(Config{APIKey: "k", Params: Params{StallTimeout: time.Minute}}, nil)
	s.openPipe(context.Background())
	frame := make([]byte, 320)
	for i := 0; i < sendBuffer+1; i++ {
		if err := s.SendAudio(frame); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- s.SendAudio(frame) }()
	time.Sleep(20 * time.Millisecond)
	_ = s.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("a send released by close must report an error")
		}
	case <-time.After(time.Second):
		t.Fatalf("close did not release the blocked send")
	}
}
