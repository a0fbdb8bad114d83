package dashboard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"cortexflow/logger"
)

func stubCollectors(t *testing.T, rss func(context.Context) (uint64, error)) *atomic.Int32 {
	t.Helper()
	originalCPU := cpuPercentFn
	originalMem := memoryStatsFn
	originalDisk := diskUsageFn
	originalRSS := processRSSFn
	t.Cleanup(func() {
		cpuPercentFn = originalCPU
		memoryStatsFn = originalMem
		diskUsageFn = originalDisk
		processRSSFn = originalRSS
	})

	calls := &atomic.Int32{}
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		calls.Add(1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		return []float64{42.5}, nil
	}
	memoryStatsFn = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 1024, Total: 2048, UsedPercent: 50}, nil
	}
	diskUsageFn = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Path: path, Used: 4096, Total: 8192, UsedPercent: 50}, nil
	}
	processRSSFn = rss
	return calls
}

func waitForSamples(t *testing.T, sampler *resourceSampler) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for len(sampler.samples()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("resource sampler did not collect samples in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestResourceSamplerCollectsSamples(t *testing.T) {
	calls := stubCollectors(t, func(context.Context) (uint64, error) { return 512, nil })
	sampler := newResourceSampler(3, 10*time.Millisecond, "/data", logger.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sampler.start(ctx)
	waitForSamples(t, sampler)
	cancel()
	sampler.stop()

	snapshots := sampler.samples()
	if len(snapshots) == 0 || len(snapshots) > 3 {
		t.Fatalf("unexpected sample count %d", len(snapshots))
	}

	latest := snapshots[len(snapshots)-1]
	if latest.CPUPercent != 42.5 || latest.MemoryPct != 50 || latest.DiskPct != 50 || latest.ProcessRSS != 512 {
		t.Fatalf("unexpected snapshot data: %#v", latest)
	}
	if calls.Load() == 0 {
		t.Fatal("expected cpu sampler to be invoked")
	}
}

func TestResourceSamplerToleratesRSSFailure(t *testing.T) {
	stubCollectors(t, func(context.Context) (uint64, error) { return 0, errors.New("no proc") })
	sampler := newResourceSampler(3, 10*time.Millisecond, "", logger.Logger())
	if sampler.diskPath != "/" {
		t.Fatalf("default disk path = %q", sampler.diskPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sampler.start(ctx)
	waitForSamples(t, sampler)
	sampler.stop()

	if got := sampler.samples()[0].ProcessRSS; got != 0 {
		t.Fatalf("ProcessRSS = %d, want 0", got)
	}
}

func TestNilSamplerIsInert(t *testing.T) {
	var s *resourceSampler
	s.start(context.Background())
	s.stop()
	if s.samples() != nil {
		t.Fatal("nil sampler returned samples")
	}
}
