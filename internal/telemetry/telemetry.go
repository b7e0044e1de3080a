package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Timer   MetricType = "timer"
)

// Metric represents a telemetry metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector keeps metrics for the duration of one command. A nil or disabled
// collector accepts and drops every observation.
type Collector struct {
	mu      sync.RWMutex
	metrics []Metric
	enabled bool
}

// NewCollector creates a new telemetry collector
func NewCollector(enabled bool) *Collector {
	return &Collector{enabled: enabled}
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	if c == nil || !c.enabled {
		return
	}
	c.addMetric(Metric{
		Name:      name,
		Type:      Counter,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	})
}

// Timer records a duration measurement
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	if c == nil || !c.enabled {
		return
	}
	c.addMetric(Metric{
		Name:      name,
		Type:      Timer,
		Value:     float64(duration.Milliseconds()),
		Labels:    labels,
		Timestamp: time.Now(),
		Unit:      "ms",
	})
}

func (c *Collector) addMetric(metric Metric) {
	c.mu.Lock()
	c.metrics = append(c.metrics, metric)
	c.mu.Unlock()
}

// GetMetrics returns a copy of all recorded metrics
func (c *Collector) GetMetrics() []Metric {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Metric, len(c.metrics))
	copy(out, c.metrics)
	return out
}

// Aggregate is the per-name rollup of recorded metrics.
type Aggregate struct {
	Name  string
	Type  MetricType
	Count int
	Sum   float64
	Max   float64
}

// Summary rolls metrics up by name, sorted by name.
func (c *Collector) Summary() []Aggregate {
	byName := map[string]*Aggregate{}
	for _, m := range c.GetMetrics() {
		a, ok := byName[m.Name]
		if !ok {
			a = &Aggregate{Name: m.Name, Type: m.Type}
			byName[m.Name] = a
		}
		a.Count++
		a.Sum += m.Value
		if m.Value > a.Max {
			a.Max = m.Value
		}
	}
	out := make([]Aggregate, 0, len(byName))
	for _, a := range byName {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Log writes the summary at debug level.
func (c *Collector) Log(log zerolog.Logger) {
	for _, a := range c.Summary() {
		ev := log.Debug().Str("metric", a.Name).Int("count", a.Count)
		if a.Type == Timer {
			ev = ev.Float64("total_ms", a.Sum).Float64("max_ms", a.Max)
		} else {
			ev = ev.Float64("value", a.Sum)
		}
		ev.Msg("Telemetry")
	}
}
