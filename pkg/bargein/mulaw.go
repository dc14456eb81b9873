package bargein

import "math"

const mulawBias = 0x84

var mulawTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		mulawTable[i] = decodeMulawSample(byte(i))
	}
}

func decodeMulawSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := (int16(mantissa)<<3 + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		return -sample
	}
	return sample
}

// rmsEnergy computes the root-mean-square amplitude of a mu-law chunk.
// Table lookup keeps this to a few microseconds for a 160-byte frame.
func rmsEnergy(payload []byte) float64 {
	if len(payload) == 0 {
		return 0
	}
	var sum float64
	for _, b := range payload {
		s := float64(mulawTable[b])
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(payload)))
}
