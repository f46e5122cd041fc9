package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	sampleCPUSeconds = "/sched/cpu:seconds"
	sampleGCCycles   = "/gc/cycles/total:gc-cycles"
)

// ResourceUsage is a coarse view of the process, reported by /healthz.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
	GCCycles    uint64  `json:"gc_cycles"`
}

// resourceTracker derives CPU usage from the delta between two health checks.
type resourceTracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: defaultSamples(),
		numCPU:  float64(runtime.NumCPU()),
	}
}

func defaultSamples() []metrics.Sample {
	return []metrics.Sample{{Name: sampleCPUSeconds}, {Name: sampleGCCycles}}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = defaultSamples()
	}
	metrics.Read(r.samples)

	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}
	now := time.Now()
	for _, sample := range r.samples {
		switch {
		case sample.Name == sampleCPUSeconds && sample.Value.Kind() == metrics.KindFloat64:
			cpuSeconds := sample.Value.Float64()
			if !r.lastSample.IsZero() {
				deltaWall := now.Sub(r.lastSample).Seconds()
				if deltaWall > 0 && r.numCPU > 0 {
					usage.CPUPercent = (cpuSeconds - r.lastCPUSeconds) / deltaWall / r.numCPU * 100
				}
			}
			r.lastCPUSeconds = cpuSeconds
		case sample.Name == sampleGCCycles && sample.Value.Kind() == metrics.KindUint64:
			usage.GCCycles = sample.Value.Uint64()
		}
	}
	r.lastSample = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage.MemoryBytes = mem.Alloc

	return usage
}
