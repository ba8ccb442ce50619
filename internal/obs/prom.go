package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMeter bridges Meter onto a Prometheus registry. Collectors are
// created and registered on first use, keyed by metric name. Every
// observation for a given name must carry the same label keys in the
// same order; mismatches surface as a "label values" error inside
// client_golang and are dropped.
type PromMeter struct {
	reg prometheus.Registerer

	mu     sync.Mutex
	counts map[string]*prometheus.CounterVec
	gauges map[string]*prometheus.GaugeVec
	hists  map[string]*prometheus.HistogramVec
}

// NewPromMeter returns a PromMeter registering into reg. A nil reg
// falls back to the default registerer.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PromMeter{
		reg:    reg,
		counts: make(map[string]*prometheus.CounterVec),
		gauges: make(map[string]*prometheus.GaugeVec),
		hists:  make(map[string]*prometheus.HistogramVec),
	}
}

func splitLabels(labels []Label) (keys []string, values prometheus.Labels) {
	if len(labels) == 0 {
		return nil, nil
	}
	keys = make([]string, len(labels))
	values = make(prometheus.Labels, len(labels))
	for i, l := range labels {
		keys[i] = l.Key
		values[l.Key] = l.Value
	}
	return keys, values
}

func (m *PromMeter) Counter(name string, value float64, labels ...Label) {
	keys, values := splitLabels(labels)
	m.mu.Lock()
	vec, ok := m.counts[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, keys)
		if err := m.reg.Register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		m.counts[name] = vec
	}
	m.mu.Unlock()
	if c, err := vec.GetMetricWith(values); err == nil {
		c.Add(value)
	}
}

func (m *PromMeter) Gauge(name string, value float64, labels ...Label) {
	keys, values := splitLabels(labels)
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, keys)
		if err := m.reg.Register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = vec
	}
	m.mu.Unlock()
	if g, err := vec.GetMetricWith(values); err == nil {
		g.Set(value)
	}
}

func (m *PromMeter) Histogram(name string, value float64, labels ...Label) {
	keys, values := splitLabels(labels)
	m.mu.Lock()
	vec, ok := m.hists[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name}, keys)
		if err := m.reg.Register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		m.hists[name] = vec
	}
	m.mu.Unlock()
	if h, err := vec.GetMetricWith(values); err == nil {
		h.Observe(value)
	}
}
