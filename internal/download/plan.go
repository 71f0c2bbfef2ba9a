package download

// Chunk is the half-open byte range [Start, End).
type Chunk struct {
	Start int64
	End   int64
}

// Width returns the number of bytes in the chunk.
func (c Chunk) Width() int64 {
	return c.End - c.Start
}

// Plan splits [existing, size) into chunks whose boundaries sit on multiples
// of chunkSize. Chunks fully covered by existing are skipped and a partially
// covered one starts exactly at existing. chunkSize <= 0 yields one chunk.
func Plan(size, chunkSize, existing int64) []Chunk {
	if existing < 0 {
		existing = 0
	}
	if existing >= size {
		return nil
	}
	if chunkSize <= 0 {
		return []Chunk{{Start: existing, End: size}}
	}
	chunks := make([]Chunk, 0, (size-existing)/chunkSize+1)
	for base := existing / chunkSize * chunkSize; base < size; base += chunkSize {
		chunks = append(chunks, Chunk{
			Start: max(base, existing),
			End:   min(base+chunkSize, size),
		})
	}
	return chunks
}
