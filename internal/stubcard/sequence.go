package stubcard

// Sequence is a deterministic byte source for security module challenges.
// Each Read fills p with the next values of a wrapping counter.
type Sequence struct {
	next byte
}

// NewSequence starts the counter at seed.
func NewSequence(seed byte) *Sequence {
	return &Sequence{next: seed}
}

func (s *Sequence) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = s.next
		s.next++
	}
	return len(p), nil
}
