package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"marketfeed/logger"
)

// Metric is a feed event forwarded to in-process subscribers such as the
// dashboard. Vendor is lifted out of Fields when present.
type Metric struct {
	Timestamp time.Time
	Component string
	Vendor    string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// MetricHandler receives every metric it subscribed to, on the emitting
// goroutine. Handlers must not block.
type MetricHandler func(Metric)

// MetricHandlerID identifies a registration; zero is never issued.
type MetricHandlerID uint64

type subscriber struct {
	id      MetricHandlerID
	handler MetricHandler
	names   map[string]struct{}
}

func (s subscriber) wants(name string) bool {
	if len(s.names) == 0 {
		return true
	}
	_, ok := s.names[name]
	return ok
}

var (
	subscribersMu sync.Mutex // serialises writers; readers load the pointer
	subscribers   atomic.Pointer[[]subscriber]
	lastHandlerID MetricHandlerID
)

// RegisterMetricHandler subscribes handler to the named metrics, or to all
// metrics when no names are given. A nil handler is ignored and yields 0.
func RegisterMetricHandler(handler MetricHandler, names ...string) MetricHandlerID {
	if handler == nil {
		return 0
	}
	sub := subscriber{handler: handler}
	if len(names) > 0 {
		sub.names = make(map[string]struct{}, len(names))
		for _, n := range names {
			sub.names[n] = struct{}{}
		}
	}

	subscribersMu.Lock()
	defer subscribersMu.Unlock()
	lastHandlerID++
	sub.id = lastHandlerID
	next := append(currentSubscribers(), sub)
	subscribers.Store(&next)
	return sub.id
}

// UnregisterMetricHandler removes the registration with the given id.
func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	subscribersMu.Lock()
	defer subscribersMu.Unlock()
	cur := currentSubscribers()
	next := make([]subscriber, 0, len(cur))
	for _, s := range cur {
		if s.id != id {
			next = append(next, s)
		}
	}
	subscribers.Store(&next)
}

// currentSubscribers returns a copy safe to extend.
func currentSubscribers() []subscriber {
	p := subscribers.Load()
	if p == nil {
		return nil
	}
	return append([]subscriber(nil), (*p)...)
}

// EmitMetric logs the metric through log (publishing numeric values to
// CloudWatch when enabled) and hands it to the subscribed handlers.
func EmitMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	copied := make(logger.Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	log.LogMetric(component, name, value, metricType, copied)

	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    copied,
	}
	if v, ok := copied["vendor"].(string); ok {
		m.Vendor = v
	}
	dispatchMetric(m)
}

func dispatchMetric(m Metric) {
	p := subscribers.Load()
	if p == nil {
		return
	}
	for _, s := range *p {
		if s.wants(m.Name) {
			s.handler(m)
		}
	}
}
