package heap

// Strategy selects which free block satisfies an allocation request. It
// is a pure enum plus a selection function over the block sequence — no
// interface dispatch, matching the design note that strategy polymorphism
// doesn't warrant virtual methods here.
type Strategy int32

const (
	// FirstFit returns the first free block in address order that is
	// large enough.
	FirstFit Strategy = iota
	// BestFit returns the smallest free block that is large enough,
	// ties broken by address order.
	BestFit
	// WorstFit returns the largest free block, ties broken by address
	// order.
	WorstFit
)

// String renders the strategy the way it would appear in a Dump or log
// line.
func (s Strategy) String() string {
	switch s {
	case FirstFit:
		return "first-fit"
	case BestFit:
		return "best-fit"
	case WorstFit:
		return "worst-fit"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a configuration string onto a Strategy. It returns
// ok=false for anything it doesn't recognise, leaving the caller free to
// keep its existing default rather than fail outright.
func ParseStrategy(s string) (strategy Strategy, ok bool) {
	switch s {
	case "first-fit", "firstfit":
		return FirstFit, true
	case "best-fit", "bestfit":
		return BestFit, true
	case "worst-fit", "worstfit":
		return WorstFit, true
	default:
		return FirstFit, false
	}
}

// selectFreeBlock walks the address-ordered block sequence starting at
// head and returns the block chosen by strategy to satisfy a request of
// aligned bytes, or nil if none is large enough.
func selectFreeBlock(head *Block, aligned uintptr, strategy Strategy) *Block {
	var selected *Block

	for b := head; b != nil; b = b.next {
		if !b.canSatisfy(aligned) {
			continue
		}

		switch strategy {
		case FirstFit:
			return b
		case BestFit:
			if selected == nil || b.size < selected.size {
				selected = b
			}
		case WorstFit:
			if selected == nil || b.size > selected.size {
				selected = b
			}
		}
	}

	return selected
}
