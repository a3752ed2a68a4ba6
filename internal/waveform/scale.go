package waveform

// Rescale converts raw BYTE codes to volts as (code - YOrigin - YReference) *
// YIncrement. Keep the operation order: reordering changes the low bits.
func Rescale(codes []byte, p Preamble) []float64 {
	out := make([]float64, len(codes))
	for i, c := range codes {
		out[i] = (float64(c) - p.YOrigin - p.YReference) * p.YIncrement
	}
	return out
}
