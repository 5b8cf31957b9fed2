package capture

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// EncodeMulaw appends the G.711 μ-law encoding of samples to dst.
func EncodeMulaw(dst []byte, samples []int16) []byte {
	for _, s := range samples {
		dst = append(dst, mulawEncode(s))
	}
	return dst
}

// DecodeMulaw appends the linear samples of G.711 μ-law bytes to dst.
func DecodeMulaw(dst []int16, b []byte) []int16 {
	for _, c := range b {
		dst = append(dst, mulawDecode(c))
	}
	return dst
}

func mulawEncode(s int16) byte {
	v := int(s)
	sign := 0
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias
	exponent := 7
	for mask := 0x4000; v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (v >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func mulawDecode(c byte) int16 {
	c = ^c
	exponent := int(c>>4) & 0x07
	mantissa := int(c) & 0x0F
	v := ((mantissa << 3) + mulawBias) << exponent
	v -= mulawBias
	if c&0x80 != 0 {
		v = -v
	}
	return int16(v)
}
