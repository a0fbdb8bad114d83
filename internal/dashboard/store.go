package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"cortexflow/internal/metrics"
)

// ring keeps the most recent limit items. It is safe for concurrent use.
type ring[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newRing[T any](limit int) ring[T] {
	if limit <= 0 {
		limit = 200
	}
	return ring[T]{limit: limit}
}

func (r *ring[T]) push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	if len(r.items) > r.limit {
		r.items = append([]T(nil), r.items[len(r.items)-r.limit:]...)
	}
}

func (r *ring[T]) snapshot(keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.items))
	for _, it := range r.items {
		if keep == nil || keep(it) {
			out = append(out, it)
		}
	}
	return out
}

// metricStore retains recent metrics plus the latest value of each
// component/name pair, which is what gauges such as channel lengths need.
type metricStore struct {
	ring[metrics.Metric]

	latestMu sync.RWMutex
	latest   map[string]metrics.Metric
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{ring: newRing[metrics.Metric](limit), latest: make(map[string]metrics.Metric)}
}

func (s *metricStore) handle(metric metrics.Metric) {
	s.push(metric)
	s.latestMu.Lock()
	s.latest[metric.Component+"/"+metric.Name] = metric
	s.latestMu.Unlock()
}

// current returns the latest metric per component/name.
func (s *metricStore) current() map[string]metrics.Metric {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	out := make(map[string]metrics.Metric, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out
}

// logRecord is a captured log entry as served by /api/logs.
type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook that keeps the most recent entries at or above
// its level.
type logStore struct {
	ring[logRecord]
	levels  []logrus.Level
	enabled atomic.Bool
}

func newLogStore(limit int, level logrus.Level) *logStore {
	ls := &logStore{ring: newRing[logRecord](limit)}
	for _, l := range logrus.AllLevels {
		if l <= level {
			ls.levels = append(ls.levels, l)
		}
	}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return s.levels
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
	if component, ok := entry.Data["component"].(string); ok {
		record.Component = component
	}

	if len(entry.Data) > 0 {
		record.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if k == "component" {
				continue
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
	}

	s.push(record)
	return nil
}

// records returns the retained entries, only those of component when it is
// not empty.
func (s *logStore) records(component string) []logRecord {
	if component == "" {
		return s.snapshot(nil)
	}
	return s.snapshot(func(r logRecord) bool { return r.Component == component })
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
