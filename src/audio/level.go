package audio

import "math"

// DefaultLevelScale is the RMS that maps to a full-scale meter.
const DefaultLevelScale = 0.08

// RMS computes the root mean square of little-endian PCM16 audio normalised
// to [-1, 1]. Empty input has zero energy.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(uint16(pcm[2*i])|uint16(pcm[2*i+1])<<8)) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// RMSSamples is RMS over decoded samples.
func RMSSamples(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, v := range pcm {
		s := float64(v) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

// Level maps an RMS value onto a [0,1] meter: min(1, rms/scale).
func Level(rms, scale float64) float64 {
	if scale <= 0 {
		scale = DefaultLevelScale
	}
	if rms <= 0 {
		return 0
	}
	return math.Min(1, rms/scale)
}
