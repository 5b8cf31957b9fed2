package capture

import (
	"errors"
	"time"

	"github.com/harunnryd/voicebank/pkg/protocol"
)

// Framer cuts a sample stream into fixed-duration frames encoded for the
// session's audio contract.
type Framer struct {
	format  protocol.AudioFormat
	size    int
	pending []int16
	out     []byte
}

func NewFramer(format protocol.AudioFormat, frame time.Duration) (*Framer, error) {
	if format.SampleRate <= 0 || frame <= 0 {
		return nil, errors.New("capture: frame duration and sample rate are required")
	}
	if frame > protocol.MaxFrameDuration {
		return nil, errors.New("capture: frame longer than the protocol allows")
	}
	size := int(int64(format.SampleRate) * int64(frame) / int64(time.Second))
	if size <= 0 {
		return nil, errors.New("capture: frame shorter than one sample")
	}
	return &Framer{
		format:  format,
		size:    size,
		pending: make([]int16, 0, size*2),
		out:     make([]byte, 0, size*format.BytesPerSample()),
	}, nil
}

// FrameSamples is the number of samples per emitted frame.
func (f *Framer) FrameSamples() int { return f.size }

// Write buffers samples and calls emit once per complete frame. The slices
// passed to emit are reused; emit must copy what it keeps.
func (f *Framer) Write(samples []int16, emit func(frame []byte, samples []int16)) {
	f.pending = append(f.pending, samples...)
	start := 0
	for len(f.pending)-start >= f.size {
		chunk := f.pending[start : start+f.size]
		emit(f.encode(chunk), chunk)
		start += f.size
	}
	rest := copy(f.pending, f.pending[start:])
	f.pending = f.pending[:rest]
}

// Pending is the number of buffered samples short of a frame.
func (f *Framer) Pending() int { return len(f.pending) }

func (f *Framer) encode(chunk []int16) []byte {
	if f.format.Encoding == protocol.Mulaw8k.Encoding {
		f.out = EncodeMulaw(f.out[:0], chunk)
		return f.out
	}
	n := len(chunk) * 2
	if cap(f.out) < n {
		f.out = make([]byte, n)
	}
	f.out = f.out[:n]
	PutPCM16(f.out, chunk)
	return f.out
}
