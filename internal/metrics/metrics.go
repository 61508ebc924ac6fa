// Package metrics registers the allocator's Prometheus instrumentation,
// following the sync.Once registration pattern used by
// buildbarn-bb-storage's PartitioningBlockAllocator: package-level
// collector variables, registered exactly once no matter how many times
// the allocator is initialised within a process.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	allocationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "allocator",
		Name:      "allocations_total",
		Help:      "Number of successful Alloc calls.",
	})
	freesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "allocator",
		Name:      "frees_total",
		Help:      "Number of successful Free calls.",
	})
	growthReservationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "allocator",
		Name:      "growth_reservations_total",
		Help:      "Number of times the heap grew by requesting a new page reservation.",
	})
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "allocator",
		Name:      "errors_total",
		Help:      "Number of failed operations, by error kind.",
	}, []string{"kind"})

	allocatedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "allocator",
		Name:      "allocated_bytes",
		Help:      "Bytes currently handed out to callers.",
	})
	freeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "allocator",
		Name:      "free_bytes",
		Help:      "Bytes currently available for allocation.",
	})
	peakAllocatedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "allocator",
		Name:      "peak_allocated_bytes",
		Help:      "High-water mark of allocated_bytes since the heap was created.",
	})
)

// Register installs the allocator's collectors into the default registry.
// Safe to call more than once per process: only the first call has any
// effect.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			allocationsTotal,
			freesTotal,
			growthReservationsTotal,
			errorsTotal,
			allocatedBytes,
			freeBytes,
			peakAllocatedBytes,
		)
	})
}

// RecordAlloc observes one successful allocation.
func RecordAlloc() {
	allocationsTotal.Inc()
}

// RecordFree observes one successful free.
func RecordFree() {
	freesTotal.Inc()
}

// RecordGrowth observes one heap growth reservation.
func RecordGrowth() {
	growthReservationsTotal.Inc()
}

// RecordError observes one failed operation classified by kind, e.g.
// "double-free" or "invalid-address".
func RecordError(kind string) {
	errorsTotal.WithLabelValues(kind).Inc()
}

// SetGauges snapshots the heap's byte counters into the gauge set. The
// three values should come from the same critical section so the
// snapshot is internally consistent.
func SetGauges(allocated, free, peak uint64) {
	allocatedBytes.Set(float64(allocated))
	freeBytes.Set(float64(free))
	peakAllocatedBytes.Set(float64(peak))
}
