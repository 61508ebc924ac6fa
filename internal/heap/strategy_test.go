package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func chain(sizes ...uintptr) *Block {
	var head, tail *Block
	start := uintptr(0x1000)
	for _, size := range sizes {
		b := &Block{start: start, size: size, state: Free, prev: tail}
		if tail != nil {
			tail.next = b
		} else {
			head = b
		}
		tail = b
		start += size + 0x100
	}
	return head
}

func TestSelectFreeBlockFirstFit(t *testing.T) {
	head := chain(16, 64, 32)
	b := selectFreeBlock(head, 32, FirstFit)
	assert.Equal(t, uintptr(64), b.size)
}

func TestSelectFreeBlockBestFit(t *testing.T) {
	head := chain(16, 64, 32, 128)
	b := selectFreeBlock(head, 32, BestFit)
	assert.Equal(t, uintptr(32), b.size)
}

func TestSelectFreeBlockWorstFit(t *testing.T) {
	head := chain(16, 64, 32, 128)
	b := selectFreeBlock(head, 32, WorstFit)
	assert.Equal(t, uintptr(128), b.size)
}

func TestSelectFreeBlockSkipsAllocated(t *testing.T) {
	head := chain(64, 64)
	head.state = Allocated
	b := selectFreeBlock(head, 32, FirstFit)
	assert.Equal(t, head.next, b)
}

func TestSelectFreeBlockNoneLargeEnough(t *testing.T) {
	head := chain(8, 8)
	assert.Nil(t, selectFreeBlock(head, 32, FirstFit))
}

func TestParseStrategy(t *testing.T) {
	cases := []struct {
		in   string
		want Strategy
		ok   bool
	}{
		{"first-fit", FirstFit, true},
		{"firstfit", FirstFit, true},
		{"best-fit", BestFit, true},
		{"worst-fit", WorstFit, true},
		{"bogus", FirstFit, false},
	}
	for _, c := range cases {
		got, ok := ParseStrategy(c.in)
		assert.Equal(t, c.want, got)
		assert.Equal(t, c.ok, ok)
	}
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "first-fit", FirstFit.String())
	assert.Equal(t, "best-fit", BestFit.String())
	assert.Equal(t, "worst-fit", WorstFit.String())
}
