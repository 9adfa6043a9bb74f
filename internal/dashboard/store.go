package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"marketfeed/internal/metrics"
)

// history is a bounded, concurrency-safe buffer that keeps the newest items.
type history[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newHistory[T any](limit int) *history[T] {
	if limit <= 0 {
		limit = 200
	}
	return &history[T]{limit: limit}
}

func (h *history[T]) push(item T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.items) == h.limit {
		copy(h.items, h.items[1:])
		h.items[len(h.items)-1] = item
		return
	}
	h.items = append(h.items, item)
}

// filter returns a copy of the retained items, oldest first, that satisfy keep.
// A nil keep returns everything.
func (h *history[T]) filter(keep func(T) bool) []T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]T, 0, len(h.items))
	for _, item := range h.items {
		if keep == nil || keep(item) {
			out = append(out, item)
		}
	}
	return out
}

// metricStore keeps the metrics dispatched through metrics.EmitMetric.
type metricStore struct {
	*history[metrics.Metric]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{history: newHistory[metrics.Metric](limit)}
}

func (s *metricStore) handle(metric metrics.Metric) { s.push(metric) }

// snapshot returns the retained metrics, narrowed to one metric name when name
// is not empty.
func (s *metricStore) snapshot(name string) []metrics.Metric {
	if name == "" {
		return s.filter(nil)
	}
	return s.filter(func(m metrics.Metric) bool { return m.Name == name })
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Vendor    string                 `json:"vendor,omitempty"`
	ConnID    string                 `json:"conn_id,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook capturing recent entries for the dashboard.
type logStore struct {
	*history[logRecord]
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	ls := &logStore{history: newHistory[logRecord](limit)}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}

	for k, v := range entry.Data {
		switch k {
		case "component":
			record.Component, _ = v.(string)
			continue
		case "vendor":
			record.Vendor = fmt.Sprint(v)
			continue
		case "conn_id":
			record.ConnID, _ = v.(string)
			continue
		}
		if record.Fields == nil {
			record.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			record.Fields[k] = val.Error()
		case fmt.Stringer:
			record.Fields[k] = val.String()
		default:
			record.Fields[k] = val
		}
	}

	s.push(record)
	return nil
}

// snapshot returns the retained entries, narrowed to one vendor when vendor is
// not empty.
func (s *logStore) snapshot(vendor string) []logRecord {
	if vendor == "" {
		return s.filter(nil)
	}
	return s.filter(func(r logRecord) bool { return r.Vendor == vendor })
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
