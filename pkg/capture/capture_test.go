package capture

import (
	"math"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/harunnryd/voicebank/pkg/protocol"
)

func TestQuantizeClips(t *testing.T) {
	got := Quantize(nil, []float32{0, 0.5, -0.5, 1.5, -2, 1, -1})
	want := []int16{0, 16383, -16383, math.MaxInt16, -math.MaxInt16, math.MaxInt16, -math.MaxInt16}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 12345, -32768, 32767}
	buf := make([]byte, len(in)*2)
	PutPCM16(buf, in)
	out := PCM16(nil, buf)
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, in[i], out[i])
		}
	}
	if got := PCM16(nil, []byte{1, 2, 3}); len(got) != 1 {
		t.Fatalf("odd trailing byte must be ignored, got %d samples", len(got))
	}
}

func TestFloat32LE(t *testing.T) {
	b := make([]byte, 8)
	bits := math.Float32bits(0.25)
	b[0], b[1], b[2], b[3] = byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24)
	got := Float32LE(nil, b)
	if len(got) != 2 || got[0] != 0.25 || got[1] != 0 {
		t.Fatalf("unexpected samples %v", got)
	}
}

func TestResamplerRatio(t *testing.T) {
	cases := []struct {
		from, to int
	}{
		{48000, 16000},
		{44100, 16000},
		{16000, 8000},
		{8000, 16000},
	}
	for _, tc := range cases {
		r := NewResampler(tc.from, tc.to)
		block := make([]float32, tc.from/100)
		var total int
		for i := 0; i < 100; i++ {
			total += len(r.Process(nil, block))
		}
		if diff := total - tc.to; diff < -2 || diff > 2 {
			t.Fatalf("%d->%d: expected about %d samples for one second, got %d", tc.from, tc.to, tc.to, total)
		}
	}
}

func TestResamplerKeepsConstantLevel(t *testing.T) {
	r := NewResampler(48000, 16000)
	block := make([]float32, 441)
	for i := range block {
		block[i] = 0.5
	}
	for i := 0; i < 10; i++ {
		for _, v := range r.Process(nil, block) {
			if math.Abs(float64(v)-0.5) > 1e-6 {
				t.Fatalf("expected constant 0.5, got %f", v)
			}
		}
	}
}

func TestResamplerPassThrough(t *testing.T) {
	r := NewResampler(16000, 16000)
	in := []float32{0.1, 0.2, 0.3}
	out := r.Process(nil, in)
	if len(out) != 3 || out[2] != 0.3 {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestMulawSilenceAndRoundTrip(t *testing.T) {
	if got := EncodeMulaw(nil, []int16{0}); got[0] != 0xFF {
		t.Fatalf("silence must encode to 0xFF, got %#x", got[0])
	}
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.Int16().Draw(t, "sample")
		dec := DecodeMulaw(nil, EncodeMulaw(nil, []int16{s}))[0]
		mag := math.Abs(float64(s))
		if mag > mulawClip {
			mag = mulawClip
		}
		want := math.Copysign(mag, float64(s))
		if math.Abs(float64(dec)-want) > mag/16+16 {
			t.Fatalf("sample %d decoded to %d", s, dec)
		}
	})
}

func TestFramerEmitsFixedFrames(t *testing.T) {
	f, err := NewFramer(protocol.Linear16, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("framer: %v", err)
	}
	if f.FrameSamples() != 320 {
		t.Fatalf("expected 320 samples per frame, got %d", f.FrameSamples())
	}
	var frames [][]byte
	emit := func(frame []byte, samples []int16) {
		if len(samples) != 320 {
			t.Fatalf("unexpected sample count %d", len(samples))
		}
		frames = append(frames, append([]byte(nil), frame...))
	}
	in := make([]int16, 500)
	for i := range in {
		in[i] = int16(i)
	}
	f.Write(in, emit)
	if len(frames) != 1 || f.Pending() != 180 {
		t.Fatalf("expected 1 frame and 180 pending, got %d and %d", len(frames), f.Pending())
	}
	f.Write(in[:140], emit)
	if len(frames) != 2 || f.Pending() != 0 {
		t.Fatalf("expected 2 frames and nothing pending, got %d and %d", len(frames), f.Pending())
	}
	second := PCM16(nil, frames[1])
	if second[0] != 320 || second[179] != 499 || second[180] != 0 {
		t.Fatalf("frames must preserve sample order, got %d %d %d", second[0], second[179], second[180])
	}
	if err := protocol.Linear16.ValidateFrame(frames[0]); err != nil {
		t.Fatalf("emitted frame must be valid: %v", err)
	}
}

func TestFramerMulaw(t *testing.T) {
	f, err := NewFramer(protocol.Mulaw8k, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("framer: %v", err)
	}
	var got []byte
	f.Write(make([]int16, 160), func(frame []byte, _ []int16) { got = append(got, frame...) })
	if len(got) != 160 || got[0] != 0xFF {
		t.Fatalf("expected 160 μ-law silence bytes, got %d", len(got))
	}
}

func TestFramerRejectsBadDuration(t *testing.T) {
	if _, err := NewFramer(protocol.Linear16, 2*time.Second); err == nil {
		t.Fatalf("expected error for frames longer than the protocol maximum")
	}
	if _, err := NewFramer(protocol.Linear16, 0); err == nil {
		t.Fatalf("expected error for zero duration")
	}
}

func TestEnergyDetectorNeedsConsecutiveFrames(t *testing.T) {
	d := NewEnergyDetector(0.1, 2)
	loud := make([]int16, 160)
	for i := range loud {
		loud[i] = 10000
	}
	quiet := make([]int16, 160)

	if d.Observe(loud) {
		t.Fatalf("one loud frame is not speech")
	}
	if d.Observe(quiet) {
		t.Fatalf("quiet frame resets the run")
	}
	if d.Observe(loud) || !d.Observe(loud) {
		t.Fatalf("two consecutive loud frames are speech")
	}
	d.Reset()
	if d.Observe(loud) {
		t.Fatalf("reset clears the run")
	}
}

func TestConditionerProducesContractFrames(t *testing.T) {
	c, err := NewConditioner(48000, protocol.Linear16, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("conditioner: %v", err)
	}
	block := make([]float32, 480)
	for i := range block {
		block[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 48000))
	}
	var frames int
	for i := 0; i < 100; i++ {
		c.Process(block, func(frame []byte, samples []int16) {
			frames++
			if len(frame) != 640 {
				t.Fatalf("expected 640 byte frames, got %d", len(frame))
			}
		})
	}
	// One second of audio is 50 frames of 20ms, give or take the tail.
	if frames < 49 || frames > 50 {
		t.Fatalf("expected about 50 frames, got %d", frames)
	}
}
