package mock

import (
	"context"
	"encoding/binary"
	"math"
	"time"
	"unicode/utf8"

	"github.com/harunnryd/voicebank/pkg/adapters/tts"
)

type TTSConfig struct {
	SampleRate   int
	SegmentMS    int
	PerRuneMS    int
	ToneHz       float64
	SegmentDelay time.Duration
}

// TTS renders a quiet sine tone whose length follows the text, split into
// fixed-size linear16 segments.
type TTS struct {
	cfg TTSConfig
}

func NewTTS(cfg TTSConfig) *TTS {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.SegmentMS <= 0 {
		cfg.SegmentMS = 200
	}
	if cfg.PerRuneMS <= 0 {
		cfg.PerRuneMS = 60
	}
	if cfg.ToneHz <= 0 {
		cfg.ToneHz = 440
	}
	return &TTS{cfg: cfg}
}

func (t *TTS) Name() string { return "mock_tts" }

func (t *TTS) Synthesize(ctx context.Context, text string) (<-chan tts.Segment, error) {
	total := utf8.RuneCountInString(text) * t.cfg.PerRuneMS * t.cfg.SampleRate / 1000
	perSegment := t.cfg.SegmentMS * t.cfg.SampleRate / 1000
	out := make(chan tts.Segment)
	go func() {
		defer close(out)
		for start := 0; start < total; start += perSegment {
			n := min(perSegment, total-start)
			if t.cfg.SegmentDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(t.cfg.SegmentDelay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- tts.Segment{Audio: t.tone(start, n)}:
			}
		}
	}()
	return out, nil
}

func (t *TTS) tone(offset, samples int) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := 0.1 * math.Sin(2*math.Pi*t.cfg.ToneHz*float64(offset+i)/float64(t.cfg.SampleRate))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return buf
}

var _ tts.Synthesizer = (*TTS)(nil)
