package calypso

// Modification buffer costs for byte-counting cards.
const (
	recordWriteOverhead = 6
	counterWriteCost    = recordWriteOverhead + 3
)

// bufferAccountant tracks how much of the card modification buffer the
// writes planned for the current sub-session consume.
type bufferAccountant struct {
	capacity int
	used     int
}

func newBufferAccountant(capacity int) bufferAccountant {
	return bufferAccountant{capacity: capacity}
}

// fits reports whether a write of cost still fits in the current sub-session.
func (b *bufferAccountant) fits(cost int) bool {
	return b.used+cost <= b.capacity
}

func (b *bufferAccountant) add(cost int) {
	b.used += cost
}

func (b *bufferAccountant) reset() {
	b.used = 0
}

func (b *bufferAccountant) remaining() int {
	return b.capacity - b.used
}
