package protocol

import (
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/voicebank/pkg/errorsx"
)

// AudioFormat is the sampling contract for binary frames.
type AudioFormat struct {
	Encoding   string
	SampleRate int
	Channels   int
	BitDepth   int
}

var (
	// Linear16 is the inbound microphone contract: 16 kHz mono signed 16-bit little endian.
	Linear16 = AudioFormat{Encoding: "linear16", SampleRate: 16000, Channels: 1, BitDepth: 16}
	// Mulaw8k is the telephone contract.
	Mulaw8k = AudioFormat{Encoding: "mulaw", SampleRate: 8000, Channels: 1, BitDepth: 8}
)

// MaxFrameDuration bounds a single binary frame.
const MaxFrameDuration = time.Second

var ErrInvalidFrame = errors.New("invalid audio frame")

// BytesPerSample covers all channels of one sample point.
func (f AudioFormat) BytesPerSample() int {
	if f.BitDepth <= 0 || f.Channels <= 0 {
		return 0
	}
	return f.BitDepth / 8 * f.Channels
}

// FrameBytes returns the byte size of d worth of audio.
func (f AudioFormat) FrameBytes(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second) * int64(f.BytesPerSample()))
}

// Duration converts a byte length back into playback time.
func (f AudioFormat) Duration(n int) time.Duration {
	bps := f.SampleRate * f.BytesPerSample()
	if bps <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// ValidateFrame rejects frames that are empty, not sample aligned or oversized.
func (f AudioFormat) ValidateFrame(data []byte) error {
	bps := f.BytesPerSample()
	switch {
	case len(data) == 0:
		return errorsx.Errorf(errorsx.ReasonProtocolMalformed, "%w: empty", ErrInvalidFrame)
	case bps > 0 && len(data)%bps != 0:
		return errorsx.Errorf(errorsx.ReasonProtocolMalformed, "%w: %d bytes not aligned to %d", ErrInvalidFrame, len(data), bps)
	case len(data) > f.FrameBytes(MaxFrameDuration):
		return errorsx.Errorf(errorsx.ReasonProtocolMalformed, "%w: %d bytes exceeds %s", ErrInvalidFrame, len(data), MaxFrameDuration)
	}
	return nil
}

// AudioFrame is one inbound chunk of PCM. Frames are consumed once by the
// recognition stream and then released back to the pool.
type AudioFrame struct {
	data   []byte
	pooled bool
}

// NewAudioFrame wraps data without copying.
func NewAudioFrame(data []byte) AudioFrame {
	return AudioFrame{data: data}
}

// NewAudioFrameFromPool copies data into a pooled buffer.
func NewAudioFrameFromPool(data []byte) AudioFrame {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	return AudioFrame{data: buf, pooled: true}
}

func (a AudioFrame) Bytes() []byte { return a.data }
func (a AudioFrame) Len() int      { return len(a.data) }

// Release returns a pooled buffer. The frame must not be used afterwards.
func (a AudioFrame) Release() bool {
	if !a.pooled {
		return false
	}
	ReleaseAudioBuf(a.data)
	return true
}

var audioBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 4096)
		return &b
	},
}

func AcquireAudioBuf(size int) []byte {
	bp := audioBufPool.Get().(*[]byte)
	b := *bp
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	b = b[:0]
	audioBufPool.Put(&b)
}
