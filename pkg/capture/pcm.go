// Package capture conditions raw microphone samples into protocol frames:
// resampling to the contract rate, quantizing to 16-bit PCM (or μ-law),
// cutting fixed-size frames and detecting local speech for barge-in.
//
// Nothing in this package blocks or locks; it is safe to call from a
// real-time audio callback as long as each value is used by one goroutine.
package capture

import (
	"encoding/binary"
	"math"
)

// Quantize converts float samples in [-1, 1] to int16, clipping out of
// range values. dst is grown as needed and returned.
func Quantize(dst []int16, src []float32) []int16 {
	dst = grow(dst, len(src))
	for i, v := range src {
		switch {
		case v >= 1:
			dst[i] = math.MaxInt16
		case v <= -1:
			dst[i] = -math.MaxInt16
		default:
			dst[i] = int16(v * math.MaxInt16)
		}
	}
	return dst
}

// Normalize converts int16 samples to floats in [-1, 1).
func Normalize(dst []float32, src []int16) []float32 {
	if cap(dst) < len(src) {
		dst = make([]float32, len(src))
	}
	dst = dst[:len(src)]
	for i, s := range src {
		dst[i] = float32(s) / 32768.0
	}
	return dst
}

// Float32LE decodes little-endian float32 device samples.
func Float32LE(dst []float32, b []byte) []float32 {
	n := len(b) / 4
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return dst
}

// PutPCM16 writes samples as little-endian 16-bit PCM into dst, which must
// hold 2*len(samples) bytes.
func PutPCM16(dst []byte, samples []int16) {
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
	}
}

// PCM16 decodes little-endian 16-bit PCM. A trailing odd byte is ignored.
func PCM16(dst []int16, b []byte) []int16 {
	dst = grow(dst, len(b)/2)
	for i := range dst {
		dst[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return dst
}

// RMS is the root-mean-square level of samples normalized to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func grow(dst []int16, n int) []int16 {
	if cap(dst) < n {
		return make([]int16, n)
	}
	return dst[:n]
}
