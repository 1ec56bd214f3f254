package metrics

import (
	"fmt"
	"math"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Opts struct {
	Name string
	Help string
}

type collector interface {
	name() string
	writePrometheus(*strings.Builder)
}

// Registry renders registered collectors in the Prometheus text format,
// sorted by metric name.
type Registry struct {
	mu         sync.RWMutex
	collectors map[string]collector
}

func NewRegistry() *Registry {
	return &Registry{
		collectors: map[string]collector{},
	}
}

func (r *Registry) MustRegister(items ...collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		name := item.name()
		if _, exists := r.collectors[name]; exists {
			panic("metrics collector already registered: " + name)
		}
		r.collectors[name] = item
	}
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.render()))
	})
}

func (r *Registry) render() string {
	r.mu.RLock()
	names := make([]string, 0, len(r.collectors))
	for name := range r.collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	collectors := make([]collector, 0, len(names))
	for _, name := range names {
		collectors = append(collectors, r.collectors[name])
	}
	r.mu.RUnlock()

	var sb strings.Builder
	for _, c := range collectors {
		c.writePrometheus(&sb)
	}
	return sb.String()
}

var Default = NewRegistry()
var processStart = time.Now()

func DefaultHandler() http.Handler {
	return Default.Handler()
}

type Gauge struct {
	opts  Opts
	mu    sync.RWMutex
	value float64
}

func NewGauge(opts Opts) *Gauge {
	return &Gauge{opts: opts}
}

func (g *Gauge) name() string { return g.opts.Name }

func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *Gauge) Add(v float64) {
	g.mu.Lock()
	g.value += v
	g.mu.Unlock()
}

func (g *Gauge) writePrometheus(sb *strings.Builder) {
	g.mu.RLock()
	v := g.value
	g.mu.RUnlock()
	writeMetricHead(sb, g.opts.Name, "gauge", g.opts.Help)
	writeSample(sb, g.opts.Name, nil, nil, v)
}

// GaugeFunc samples fn at scrape time.
type GaugeFunc struct {
	opts Opts
	fn   func() float64
}

func NewGaugeFunc(opts Opts, fn func() float64) *GaugeFunc {
	return &GaugeFunc{opts: opts, fn: fn}
}

func (g *GaugeFunc) name() string { return g.opts.Name }

func (g *GaugeFunc) writePrometheus(sb *strings.Builder) {
	v := 0.0
	if g.fn != nil {
		v = g.fn()
	}
	writeMetricHead(sb, g.opts.Name, "gauge", g.opts.Help)
	writeSample(sb, g.opts.Name, nil, nil, v)
}

type CounterVec struct {
	opts       Opts
	labelNames []string

	mu     sync.RWMutex
	values map[string]float64
}

func NewCounterVec(opts Opts, labelNames []string) *CounterVec {
	return &CounterVec{
		opts:       opts,
		labelNames: append([]string(nil), labelNames...),
		values:     map[string]float64{},
	}
}

func (c *CounterVec) name() string { return c.opts.Name }

func (c *CounterVec) WithLabelValues(values ...string) *Counter {
	return &Counter{parent: c, labelValues: values}
}

func (c *CounterVec) add(labelValues []string, delta float64) {
	if len(labelValues) != len(c.labelNames) {
		return
	}
	key := labelKey(labelValues)
	c.mu.Lock()
	c.values[key] += delta
	c.mu.Unlock()
}

func (c *CounterVec) writePrometheus(sb *strings.Builder) {
	c.mu.RLock()
	keys := sortedKeys(c.values)
	values := make([]float64, len(keys))
	for i, key := range keys {
		values[i] = c.values[key]
	}
	c.mu.RUnlock()

	writeMetricHead(sb, c.opts.Name, "counter", c.opts.Help)
	for i, key := range keys {
		writeSample(sb, c.opts.Name, c.labelNames, splitKey(key, len(c.labelNames)), values[i])
	}
}

// Counter is one label combination of a CounterVec. Negative deltas are
// ignored.
type Counter struct {
	parent      *CounterVec
	labelValues []string
}

func (c *Counter) Add(v float64) {
	if c == nil || c.parent == nil || v < 0 {
		return
	}
	c.parent.add(c.labelValues, v)
}

func (c *Counter) Inc() { c.Add(1) }

// NewCounter returns an unlabeled counter and the vec to register.
func NewCounter(opts Opts) (*CounterVec, *Counter) {
	vec := NewCounterVec(opts, nil)
	return vec, vec.WithLabelValues()
}

// DurationBuckets spans fast store calls up to a slow gateway timeout.
var DurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15}

// HistogramVec tracks cumulative bucket counts per label combination.
type HistogramVec struct {
	opts       Opts
	labelNames []string
	buckets    []float64

	mu     sync.Mutex
	series map[string]*histogramSeries
}

type histogramSeries struct {
	counts []uint64
	count  uint64
	sum    float64
}

func NewHistogramVec(opts Opts, labelNames []string, buckets []float64) *HistogramVec {
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	return &HistogramVec{
		opts:       opts,
		labelNames: append([]string(nil), labelNames...),
		buckets:    sorted,
		series:     map[string]*histogramSeries{},
	}
}

func (h *HistogramVec) name() string { return h.opts.Name }

func (h *HistogramVec) Observe(v float64, labelValues ...string) {
	if len(labelValues) != len(h.labelNames) || math.IsNaN(v) {
		return
	}
	key := labelKey(labelValues)
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.series[key]
	if !ok {
		s = &histogramSeries{counts: make([]uint64, len(h.buckets))}
		h.series[key] = s
	}
	for i, upper := range h.buckets {
		if v <= upper {
			s.counts[i]++
		}
	}
	s.count++
	s.sum += v
}

// ObserveSince records the seconds elapsed since start.
func (h *HistogramVec) ObserveSince(start time.Time, labelValues ...string) {
	h.Observe(time.Since(start).Seconds(), labelValues...)
}

func (h *HistogramVec) writePrometheus(sb *strings.Builder) {
	h.mu.Lock()
	keys := make([]string, 0, len(h.series))
	for key := range h.series {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	snapshot := make([]histogramSeries, len(keys))
	for i, key := range keys {
		s := h.series[key]
		snapshot[i] = histogramSeries{counts: append([]uint64(nil), s.counts...), count: s.count, sum: s.sum}
	}
	h.mu.Unlock()

	writeMetricHead(sb, h.opts.Name, "histogram", h.opts.Help)
	bucketLabels := append(append([]string(nil), h.labelNames...), "le")
	for i, key := range keys {
		values := splitKey(key, len(h.labelNames))
		s := snapshot[i]
		for j, upper := range h.buckets {
			writeSample(sb, h.opts.Name+"_bucket", bucketLabels, withLabel(values, floatToString(upper)), float64(s.counts[j]))
		}
		writeSample(sb, h.opts.Name+"_bucket", bucketLabels, withLabel(values, "+Inf"), float64(s.count))
		writeSample(sb, h.opts.Name+"_sum", h.labelNames, values, s.sum)
		writeSample(sb, h.opts.Name+"_count", h.labelNames, values, float64(s.count))
	}
}

func labelKey(values []string) string {
	return strings.Join(values, "\xff")
}

func withLabel(values []string, v string) []string {
	out := make([]string, 0, len(values)+1)
	return append(append(out, values...), v)
}

func splitKey(key string, n int) []string {
	if n == 0 {
		return nil
	}
	return strings.Split(key, "\xff")
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func writeMetricHead(sb *strings.Builder, name, metricType, help string) {
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, metricType)
}

func writeSample(sb *strings.Builder, name string, labelNames, labelValues []string, v float64) {
	sb.WriteString(name)
	if len(labelNames) > 0 {
		sb.WriteString("{")
		for i, labelName := range labelNames {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(labelName)
			sb.WriteString(`="`)
			sb.WriteString(escapeLabelValue(labelValues[i]))
			sb.WriteString(`"`)
		}
		sb.WriteString("}")
	}
	sb.WriteString(" ")
	sb.WriteString(floatToString(v))
	sb.WriteString("\n")
}

func floatToString(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func escapeLabelValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return v
}

func init() {
	Default.MustRegister(
		NewGaugeFunc(Opts{
			Name: "process_uptime_seconds",
			Help: "Seconds since process start.",
		}, func() float64 {
			return time.Since(processStart).Seconds()
		}),
		NewGaugeFunc(Opts{
			Name: "go_goroutines",
			Help: "Number of goroutines.",
		}, func() float64 {
			return float64(runtime.NumGoroutine())
		}),
	)
}
