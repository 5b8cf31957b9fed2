package capture

import (
	"time"

	"github.com/harunnryd/voicebank/pkg/protocol"
)

// Conditioner is the whole capture path for one device: device-rate float
// samples in, contract frames out.
type Conditioner struct {
	resampler *Resampler
	framer    *Framer
	floats    []float32
	ints      []int16
}

func NewConditioner(deviceRate int, format protocol.AudioFormat, frame time.Duration) (*Conditioner, error) {
	framer, err := NewFramer(format, frame)
	if err != nil {
		return nil, err
	}
	return &Conditioner{
		resampler: NewResampler(deviceRate, format.SampleRate),
		framer:    framer,
	}, nil
}

// Process conditions one callback's worth of mono samples. emit follows the
// Framer contract: its slices are only valid during the call.
func (c *Conditioner) Process(in []float32, emit func(frame []byte, samples []int16)) {
	c.floats = c.resampler.Process(c.floats[:0], in)
	c.ints = Quantize(c.ints, c.floats)
	c.framer.Write(c.ints, emit)
}

func (c *Conditioner) FrameSamples() int { return c.framer.FrameSamples() }
