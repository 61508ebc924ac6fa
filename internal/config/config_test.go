package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lhj23333/operation-system/internal/heap"
)

const testPageSize = 4096

func TestDefault(t *testing.T) {
	cfg := Default(testPageSize)
	assert.Equal(t, uintptr(8), cfg.AlignmentUnit)
	assert.Equal(t, uintptr(10*testPageSize), cfg.InitialReservationSize)
	assert.Equal(t, uintptr(20*testPageSize), cfg.GrowthReservationSize)
	assert.Equal(t, heap.FirstFit, cfg.DefaultStrategy)
}

func TestLoadWithoutOverrides(t *testing.T) {
	for _, key := range []string{"ALLOCATOR_ALIGNMENT", "ALLOCATOR_INITIAL_PAGES", "ALLOCATOR_GROWTH_PAGES", "ALLOCATOR_STRATEGY"} {
		t.Setenv(key, "")
	}

	cfg := Load(testPageSize)
	assert.Equal(t, Default(testPageSize), cfg)
}

func TestLoadAppliesOverrides(t *testing.T) {
	t.Setenv("ALLOCATOR_ALIGNMENT", "16")
	t.Setenv("ALLOCATOR_INITIAL_PAGES", "5")
	t.Setenv("ALLOCATOR_GROWTH_PAGES", "7")
	t.Setenv("ALLOCATOR_STRATEGY", "best-fit")

	cfg := Load(testPageSize)
	assert.Equal(t, uintptr(16), cfg.AlignmentUnit)
	assert.Equal(t, uintptr(5*testPageSize), cfg.InitialReservationSize)
	assert.Equal(t, uintptr(7*testPageSize), cfg.GrowthReservationSize)
	assert.Equal(t, heap.BestFit, cfg.DefaultStrategy)
}

func TestLoadIgnoresUnparseableStrategy(t *testing.T) {
	t.Setenv("ALLOCATOR_STRATEGY", "not-a-strategy")

	cfg := Load(testPageSize)
	assert.Equal(t, heap.FirstFit, cfg.DefaultStrategy)
}
