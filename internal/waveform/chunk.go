package waveform

// DefaultChunkSize is the number of BYTE-format points the DS1000Z returns
// in one :WAV:DATA? transfer.
const DefaultChunkSize = 250000

// Chunk is an inclusive range of sample indices fetched in one transfer.
type Chunk struct {
	Start int
	Stop  int
}

// Len returns the number of samples in the chunk.
func (c Chunk) Len() int { return c.Stop - c.Start + 1 }

// PlanChunks splits [start, depth-1] into ranges of at most size points.
// Boundaries fall at start, start+size, start+2*size, ... and the last stop
// is clipped to depth-1. The first chunk is not realigned to zero.
func PlanChunks(start, depth, size int) []Chunk {
	if size <= 0 || start < 0 || start >= depth {
		return nil
	}
	chunks := make([]Chunk, 0, (depth-start+size-1)/size)
	for i := start; i < depth; i += size {
		chunks = append(chunks, Chunk{Start: i, Stop: min(depth-1, i+size-1)})
	}
	return chunks
}
