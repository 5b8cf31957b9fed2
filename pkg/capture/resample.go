package capture

// Resampler converts a mono stream between sample rates with linear
// interpolation. It keeps one sample of history so consecutive blocks join
// without clicks.
type Resampler struct {
	from, to int
	step     float64
	pos      float64
	prev     float32
	primed   bool
}

func NewResampler(from, to int) *Resampler {
	if from <= 0 || to <= 0 {
		from, to = 1, 1
	}
	return &Resampler{from: from, to: to, step: float64(from) / float64(to)}
}

// Process appends the resampled block to dst.
func (r *Resampler) Process(dst, in []float32) []float32 {
	if r.from == r.to {
		return append(dst, in...)
	}
	n := len(in)
	if n == 0 {
		return dst
	}
	if !r.primed {
		r.prev = in[0]
		r.primed = true
	}
	// Index -1 is the last sample of the previous block.
	at := func(i int) float32 {
		if i < 0 {
			return r.prev
		}
		return in[i]
	}
	for r.pos < float64(n-1) {
		i := int(r.pos)
		if r.pos < 0 {
			i = -1
		}
		frac := float32(r.pos - float64(i))
		a, b := at(i), at(i+1)
		dst = append(dst, a+(b-a)*frac)
		r.pos += r.step
	}
	r.prev = in[n-1]
	r.pos -= float64(n)
	return dst
}

// Reset forgets the stream history.
func (r *Resampler) Reset() {
	r.pos = 0
	r.prev = 0
	r.primed = false
}
