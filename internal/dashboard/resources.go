package dashboard

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"marketfeed/logger"
)

// feedSample is one point of the dashboard's throughput chart: host load next
// to how fast records move through the open streams.
type feedSample struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPct     float64   `json:"memory_percent"`
	MemoryUsed    uint64    `json:"memory_used"`
	Goroutines    int       `json:"goroutines"`
	FramesPerSec  float64   `json:"frames_per_sec"`
	RecordsPerSec float64   `json:"records_per_sec"`
	BytesPerSec   float64   `json:"bytes_per_sec"`
	Drops         int64     `json:"drops"`
	DecodeErrors  int64     `json:"decode_errors"`
}

// feedTotals sums the per-vendor counters kept by the logger report.
type feedTotals struct {
	frames, records, bytes, drops, decodeErrors int64
}

func sumFeed(snaps []logger.VendorSnapshot) feedTotals {
	var t feedTotals
	for _, s := range snaps {
		t.frames += s.Counts[logger.EventFrame]
		t.records += s.Counts[logger.EventRecord]
		t.drops += s.Counts[logger.EventDrop]
		t.decodeErrors += s.Counts[logger.EventDecodeError]
		t.bytes += s.Bytes
	}
	return t
}

var (
	cpuPercentFn = func(ctx context.Context) ([]float64, error) {
		return cpu.PercentWithContext(ctx, 0, false)
	}
	memoryStatsFn  = mem.VirtualMemoryWithContext
	feedSnapshotFn = logger.Snapshot
)

type feedSampler struct {
	samples  *history[feedSample]
	interval time.Duration
	log      *logger.Log

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newFeedSampler(limit int, interval time.Duration, log *logger.Log) *feedSampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &feedSampler{
		samples:  newHistory[feedSample](limit),
		interval: interval,
		log:      log,
	}
}

func (s *feedSampler) start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

func (s *feedSampler) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *feedSampler) snapshot() []feedSample { return s.samples.filter(nil) }

func (s *feedSampler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	prev, prevAt := sumFeed(feedSnapshotFn()), time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cur := sumFeed(feedSnapshotFn())
			sample, err := s.sample(ctx, now, prev, cur, now.Sub(prevAt))
			prev, prevAt = cur, now
			if err != nil {
				s.log.WithComponent("feed_sampler").WithError(err).Debug("failed to sample host usage")
				continue
			}
			s.samples.push(sample)
		}
	}
}

func (s *feedSampler) sample(ctx context.Context, now time.Time, prev, cur feedTotals, elapsed time.Duration) (feedSample, error) {
	cpuSamples, err := cpuPercentFn(ctx)
	if err != nil {
		return feedSample{}, err
	}
	memStats, err := memoryStatsFn(ctx)
	if err != nil {
		return feedSample{}, err
	}

	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = 1
	}
	out := feedSample{
		Timestamp:     now,
		MemoryPct:     memStats.UsedPercent,
		MemoryUsed:    memStats.Used,
		Goroutines:    runtime.NumGoroutine(),
		FramesPerSec:  float64(cur.frames-prev.frames) / secs,
		RecordsPerSec: float64(cur.records-prev.records) / secs,
		BytesPerSec:   float64(cur.bytes-prev.bytes) / secs,
		Drops:         cur.drops,
		DecodeErrors:  cur.decodeErrors,
	}
	if len(cpuSamples) > 0 {
		out.CPUPercent = cpuSamples[0]
	}
	return out, nil
}
