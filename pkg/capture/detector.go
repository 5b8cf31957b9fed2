package capture

// EnergyDetector reports speech once the frame level stays above Threshold
// for MinFrames consecutive frames. It is a cheap local detector, good
// enough to stop playback the moment the user talks over it.
type EnergyDetector struct {
	Threshold float64
	MinFrames int

	run int
}

const (
	DefaultSpeechThreshold = 0.03
	DefaultSpeechFrames    = 3
)

func NewEnergyDetector(threshold float64, minFrames int) *EnergyDetector {
	if threshold <= 0 {
		threshold = DefaultSpeechThreshold
	}
	if minFrames <= 0 {
		minFrames = DefaultSpeechFrames
	}
	return &EnergyDetector{Threshold: threshold, MinFrames: minFrames}
}

// Observe implements bargein.SpeechDetector.
func (d *EnergyDetector) Observe(samples []int16) bool {
	if RMS(samples) >= d.Threshold {
		d.run++
	} else {
		d.run = 0
	}
	return d.run >= d.MinFrames
}

// Reset clears the consecutive-frame count.
func (d *EnergyDetector) Reset() { d.run = 0 }
