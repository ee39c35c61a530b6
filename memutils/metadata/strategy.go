package metadata

// FitStrategy chooses which free block satisfies a request when several are large enough
type FitStrategy uint32

const (
	// FitBest selects the free block that leaves the smallest remainder. When several blocks
	// leave the same remainder, the one at the lowest address wins.
	FitBest FitStrategy = iota
	// FitFirst selects the first free block in address order that is large enough. It is
	// faster to find but fragments more.
	FitFirst
)

var fitStrategyMapping = map[FitStrategy]string{
	FitBest:  "BestFit",
	FitFirst: "FirstFit",
}

func (s FitStrategy) String() string {
	return fitStrategyMapping[s]
}

// Candidate tracks the winner of a fit search as blocks are offered to it in address order
type Candidate struct {
	strategy  FitStrategy
	request   int
	offset    uint64
	remainder int
}

// NewCandidate prepares a search for a payload of request bytes
func NewCandidate(strategy FitStrategy, request int) Candidate {
	return Candidate{
		strategy:  strategy,
		request:   request,
		offset:    NoBlock,
		remainder: -1,
	}
}

// Offer considers a free block of size bytes at offset. It returns true once the search cannot
// improve, so callers may stop walking.
func (c *Candidate) Offer(offset uint64, size int) bool {
	if size < c.request {
		return false
	}

	remainder := size - c.request
	if c.offset == NoBlock || remainder < c.remainder {
		c.offset = offset
		c.remainder = remainder
	}

	return c.strategy == FitFirst || c.remainder == 0
}

// Found reports whether any offered block was large enough
func (c *Candidate) Found() bool {
	return c.offset != NoBlock
}

// Offset returns the winning block's offset, or NoBlock
func (c *Candidate) Offset() uint64 {
	return c.offset
}
