package metrics

import (
	"sync"
	"time"

	"cortexflow/logger"
)

// Metric is one structured metric event, as logged and as seen by handlers.
type Metric struct {
	Timestamp time.Time     `json:"timestamp"`
	Component string        `json:"component"`
	Name      string        `json:"name"`
	Value     interface{}   `json:"value"`
	Type      string        `json:"type"`
	Fields    logger.Fields `json:"fields,omitempty"`
}

// Float64 converts numeric values; ok is false for anything else.
func (m Metric) Float64() (v float64, ok bool) {
	switch n := m.Value.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// MetricHandler consumes every emitted metric. Handlers run synchronously on
// the emitting goroutine and must not block.
type MetricHandler func(Metric)

type MetricHandlerID uint64

type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[MetricHandlerID]MetricHandler
	next     MetricHandlerID
}

var registry = newHandlerRegistry()

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[MetricHandlerID]MetricHandler)}
}

func (r *handlerRegistry) add(h MetricHandler) MetricHandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.handlers[r.next] = h
	return r.next
}

func (r *handlerRegistry) remove(id MetricHandlerID) {
	r.mu.Lock()
	delete(r.handlers, id)
	r.mu.Unlock()
}

func (r *handlerRegistry) dispatch(m Metric) {
	r.mu.RLock()
	hs := make([]MetricHandler, 0, len(r.handlers))
	for _, h := range r.handlers {
		hs = append(hs, h)
	}
	r.mu.RUnlock()
	for _, h := range hs {
		h(m)
	}
}

// RegisterMetricHandler returns 0 for a nil handler.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}
	return registry.add(handler)
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id != 0 {
		registry.remove(id)
	}
}

// EmitMetric logs a metric line at debug and dispatches it to registered
// handlers. An empty name is ignored; an empty type means counter. Numeric
// gauges are mirrored to cortexflow_gauge{component,name}.
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

	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    cloneFields(fields),
	}

	line := cloneFields(m.Fields)
	line["metric"] = name
	line["metric_type"] = metricType
	line["value"] = value
	log.WithComponent(component).WithFields(line).Debug("metric")

	if v, ok := m.Float64(); ok && metricType == "gauge" {
		emittedGauges.WithLabelValues(component, name).Set(v)
	}
	registry.dispatch(m)
}

func cloneFields(fields logger.Fields) logger.Fields {
	copied := make(logger.Fields, len(fields)+3)
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}
