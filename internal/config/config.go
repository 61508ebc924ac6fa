// Package config holds the allocator's tuning constants and loads
// overrides for them from the process environment through viper, the way
// storj/storj and direktiv-vorteil wire their own configuration structs.
package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/lhj23333/operation-system/internal/heap"
)

const (
	// DefaultAlignmentUnit is the minimum grain of any allocation. The
	// source allocator hard-codes this to 8; a stricter implementation
	// could instead use max(8, unsafe.Sizeof(uintptr(0))), but 64-bit is
	// the only target this codebase cares about, where the two agree.
	DefaultAlignmentUnit uintptr = 8

	// DefaultInitialReservationPages is the number of pages reserved by
	// Init before any allocation is made.
	DefaultInitialReservationPages uintptr = 10

	// DefaultGrowthReservationPages is the minimum number of pages
	// reserved whenever the heap must grow to satisfy an allocation.
	DefaultGrowthReservationPages uintptr = 20

	envPrefix = "ALLOCATOR"
)

// Config collects every tunable named in the allocator's tuning-constants
// table: alignment unit, initial reservation size, growth reservation
// size, and default free-block selection strategy.
type Config struct {
	AlignmentUnit          uintptr
	InitialReservationSize uintptr
	GrowthReservationSize  uintptr
	DefaultStrategy        heap.Strategy
}

// Default returns the mandatory defaults scaled to the given page size:
// a 10-page initial reservation, a 20-page growth increment, 8-byte
// alignment, and first-fit selection.
func Default(pageSize uintptr) Config {
	return Config{
		AlignmentUnit:          DefaultAlignmentUnit,
		InitialReservationSize: DefaultInitialReservationPages * pageSize,
		GrowthReservationSize:  DefaultGrowthReservationPages * pageSize,
		DefaultStrategy:        heap.FirstFit,
	}
}

// Load returns Default(pageSize) with any ALLOCATOR_* environment
// variables applied on top: ALLOCATOR_ALIGNMENT, ALLOCATOR_INITIAL_PAGES,
// ALLOCATOR_GROWTH_PAGES, ALLOCATOR_STRATEGY (one of "first-fit",
// "best-fit", "worst-fit"). Unset variables leave the default untouched;
// an unparseable strategy name is ignored, keeping the default strategy
// rather than failing startup over a cosmetic misconfiguration.
func Load(pageSize uintptr) Config {
	cfg := Default(pageSize)

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if alignment := v.GetUint64("alignment"); alignment != 0 {
		cfg.AlignmentUnit = uintptr(alignment)
	}
	if pages := v.GetUint64("initial_pages"); pages != 0 {
		cfg.InitialReservationSize = uintptr(pages) * pageSize
	}
	if pages := v.GetUint64("growth_pages"); pages != 0 {
		cfg.GrowthReservationSize = uintptr(pages) * pageSize
	}
	if strategy, ok := heap.ParseStrategy(v.GetString("strategy")); ok {
		cfg.DefaultStrategy = strategy
	}

	return cfg
}
