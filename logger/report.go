package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// FeedEvent names a per-vendor counter kept for the runtime report.
type FeedEvent string

const (
	EventFrame           FeedEvent = "frames"
	EventRecord          FeedEvent = "records"
	EventDecodeError     FeedEvent = "decode_errors"
	EventProbe           FeedEvent = "probes"
	EventLivenessFailure FeedEvent = "liveness_failures"
	EventDrop            FeedEvent = "drops"
	EventReconnect       FeedEvent = "reconnects"
)

var reportEvents = []FeedEvent{EventFrame, EventRecord, EventDecodeError, EventProbe, EventLivenessFailure, EventDrop, EventReconnect}

var cloudWatchNames = map[FeedEvent]string{
	EventRecord:          "Feed-RecordsEmitted",
	EventDecodeError:     "Feed-DecodeErrors",
	EventLivenessFailure: "Feed-LivenessFailures",
	EventDrop:            "Feed-RecordsDropped",
	EventReconnect:       "Feed-Reconnects",
}

type vendorStat struct {
	counters [7]int64
	bytes    int64
}

func (s *vendorStat) counter(ev FeedEvent) *int64 {
	for i, e := range reportEvents {
		if e == ev {
			return &s.counters[i]
		}
	}
	return nil
}

var (
	warns   sync.Map // component -> *int64
	errs    sync.Map // component -> *int64
	vendors sync.Map // vendor -> *vendorStat
)

func bump(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string)  { bump(&warns, component) }
func recordError(component string) { bump(&errs, component) }

func vendorStats(vendor string) *vendorStat {
	v, _ := vendors.LoadOrStore(vendor, &vendorStat{})
	return v.(*vendorStat)
}

// RecordEvent counts one occurrence of ev for vendor.
func RecordEvent(vendor string, ev FeedEvent) {
	if c := vendorStats(vendor).counter(ev); c != nil {
		atomic.AddInt64(c, 1)
	}
}

// RecordFrame counts an inbound frame and its size for vendor.
func RecordFrame(vendor string, size int) {
	s := vendorStats(vendor)
	atomic.AddInt64(s.counter(EventFrame), 1)
	atomic.AddInt64(&s.bytes, int64(size))
}

// VendorSnapshot is the report view of one vendor's counters.
type VendorSnapshot struct {
	Vendor string
	Bytes  int64
	Counts map[FeedEvent]int64
}

// Snapshot returns the current counters sorted by vendor.
func Snapshot() []VendorSnapshot {
	var out []VendorSnapshot
	vendors.Range(func(k, v any) bool {
		s := v.(*vendorStat)
		snap := VendorSnapshot{
			Vendor: k.(string),
			Bytes:  atomic.LoadInt64(&s.bytes),
			Counts: make(map[FeedEvent]int64, len(reportEvents)),
		}
		for i, ev := range reportEvents {
			snap.Counts[ev] = atomic.LoadInt64(&s.counters[i])
		}
		out = append(out, snap)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Vendor < out[j].Vendor })
	return out
}

func loadCounts(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// StartReport logs a runtime digest every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	var memUsed uint64
	if memStats, err := mem.VirtualMemory(); err == nil && memStats != nil {
		memUsed = memStats.Used
	}
	var bytesRecv uint64
	if netStats, err := gnet.IOCounters(false); err == nil && len(netStats) > 0 {
		bytesRecv = netStats[0].BytesRecv
	}

	snaps := Snapshot()
	vendorData := make(map[string]map[string]int64, len(snaps))
	for _, s := range snaps {
		row := map[string]int64{"bytes": s.Bytes}
		for ev, n := range s.Counts {
			row[string(ev)] = n
		}
		vendorData[s.Vendor] = row
	}

	log.WithComponent("report").WithFields(Fields{
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memUsed / 1024 / 1024),
		"net_bytes_recv": int64(bytesRecv),
		"warns":          loadCounts(&warns),
		"errors":         loadCounts(&errs),
		"vendors":        vendorData,
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("Feed-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("Feed-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
	}
	for _, s := range snaps {
		dims := []cwtypes.Dimension{{Name: aws.String("Vendor"), Value: aws.String(s.Vendor)}}
		for ev, name := range cloudWatchNames {
			data = append(data, cwtypes.MetricDatum{
				MetricName: aws.String(name),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
				Value:      aws.Float64(float64(s.Counts[ev])),
			})
		}
	}
	publishMetrics(ctx, data)
}
