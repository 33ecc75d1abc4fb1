package sandbox

import (
	"context"
	"fmt"
	"runtime"
	rtmetrics "runtime/metrics"
	"time"
)

const (
	heapObjectsMetric  = "/memory/classes/heap/objects:bytes"
	memoryPollInterval = 2 * time.Millisecond
)

func liveHeap() uint64 {
	sample := []rtmetrics.Sample{{Name: heapObjectsMetric}}
	rtmetrics.Read(sample)
	if sample[0].Value.Kind() != rtmetrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

// watchMemory stops the VM once the live heap has grown by more than limit
// bytes since the VM started. Growth caused by other goroutines in the
// process counts against the VM, so the bound is conservative.
func watchMemory(ctx context.Context, v *vm, limit uint64, stop context.CancelFunc) {
	baseline := liveHeap()
	gcAt := baseline + limit

	ticker := time.NewTicker(memoryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if liveHeap() <= gcAt {
			continue
		}

		// Unswept garbage is reported as live until the next cycle.
		runtime.GC()
		used := liveHeap()
		if used > baseline+limit {
			v.flagMemory(fmt.Sprintf("heap grew by %d bytes (limit %d)", used-baseline, limit))
			stop()
			return
		}
		gcAt = max(baseline+limit, used+limit/4)
	}
}
