package dashboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"marketfeed/logger"
)

func stubHost(t *testing.T, feed func() []logger.VendorSnapshot) {
	t.Helper()
	origCPU, origMem, origFeed := cpuPercentFn, memoryStatsFn, feedSnapshotFn
	t.Cleanup(func() {
		cpuPercentFn, memoryStatsFn, feedSnapshotFn = origCPU, origMem, origFeed
	})
	cpuPercentFn = func(context.Context) ([]float64, error) { return []float64{42.5}, nil }
	memoryStatsFn = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 1024, Total: 2048, UsedPercent: 50}, nil
	}
	feedSnapshotFn = feed
}

func TestFeedSamplerComputesRates(t *testing.T) {
	stubHost(t, nil)

	prev := feedTotals{frames: 10, records: 20, bytes: 1000}
	cur := feedTotals{frames: 30, records: 60, bytes: 5000, drops: 3, decodeErrors: 1}

	s := newFeedSampler(3, time.Second, logger.Logger())
	got, err := s.sample(context.Background(), time.Unix(100, 0), prev, cur, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got.FramesPerSec != 10 || got.RecordsPerSec != 20 || got.BytesPerSec != 2000 {
		t.Errorf("rates = %v/%v/%v", got.FramesPerSec, got.RecordsPerSec, got.BytesPerSec)
	}
	if got.Drops != 3 || got.DecodeErrors != 1 {
		t.Errorf("totals = %d drops, %d decode errors", got.Drops, got.DecodeErrors)
	}
	if got.CPUPercent != 42.5 || got.MemoryPct != 50 || got.Goroutines == 0 {
		t.Errorf("host fields = %+v", got)
	}
}

func TestFeedSamplerHostError(t *testing.T) {
	stubHost(t, nil)
	cpuPercentFn = func(context.Context) ([]float64, error) { return nil, errors.New("no cpu") }

	s := newFeedSampler(3, time.Second, logger.Logger())
	if _, err := s.sample(context.Background(), time.Now(), feedTotals{}, feedTotals{}, time.Second); err == nil {
		t.Fatal("expected error")
	}
}

func TestFeedSamplerCollectsSamples(t *testing.T) {
	frames := int64(0)
	stubHost(t, func() []logger.VendorSnapshot {
		frames += 5
		return []logger.VendorSnapshot{{
			Vendor: "okx",
			Counts: map[logger.FeedEvent]int64{logger.EventFrame: frames, logger.EventRecord: frames},
		}}
	})

	s := newFeedSampler(2, 5*time.Millisecond, logger.Logger())
	s.start(context.Background())

	deadline := time.Now().Add(500 * time.Millisecond)
	for len(s.snapshot()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("sampler did not collect samples in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.stop()
	s.stop()

	samples := s.snapshot()
	if len(samples) != 2 {
		t.Fatalf("retained %d samples, want 2", len(samples))
	}
	for _, smp := range samples {
		if smp.FramesPerSec <= 0 {
			t.Errorf("frames/sec = %v, want > 0", smp.FramesPerSec)
		}
	}
}

func TestSumFeed(t *testing.T) {
	got := sumFeed([]logger.VendorSnapshot{
		{Vendor: "binance", Bytes: 10, Counts: map[logger.FeedEvent]int64{logger.EventFrame: 1, logger.EventDrop: 2}},
		{Vendor: "bybit", Bytes: 5, Counts: map[logger.FeedEvent]int64{logger.EventFrame: 3, logger.EventRecord: 4}},
	})
	want := feedTotals{frames: 4, records: 4, bytes: 15, drops: 2}
	if got != want {
		t.Fatalf("sumFeed = %+v, want %+v", got, want)
	}
}
