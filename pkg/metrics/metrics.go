// Package metrics is the sink the reducer and timeline report timings and
// counts into. Prom backs it with Prometheus collectors; Nop discards.
package metrics

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives measurements. Label sets must be consistent per name.
type Sink interface {
	RecordDuration(name string, seconds float64, labels map[string]string)
	IncCounter(name string, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordDuration(string, float64, map[string]string) {}
func (Nop) IncCounter(string, map[string]string)              {}
func (Nop) SetGauge(string, float64, map[string]string)       {}

// Prom registers collectors lazily, on the first measurement for a name.
type Prom struct {
	reg prometheus.Registerer
	log *slog.Logger

	mu       sync.Mutex
	histos   map[string]*prometheus.HistogramVec
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	help     map[string]string
}

// NewProm creates a sink registering into reg (prometheus.DefaultRegisterer
// when nil).
func NewProm(reg prometheus.Registerer, log *slog.Logger) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Prom{
		reg:      reg,
		log:      log,
		histos:   make(map[string]*prometheus.HistogramVec),
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]*prometheus.GaugeVec),
		help:     make(map[string]string),
	}
}

// Describe sets the help text used when name is first registered.
func (p *Prom) Describe(name, help string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.help[name] = help
}

func (p *Prom) RecordDuration(name string, seconds float64, labels map[string]string) {
	p.mu.Lock()
	vec, ok := p.histos[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    p.helpFor(name, "Duration in seconds."),
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, labelNames(labels))
		vec = register(p, vec)
		p.histos[name] = vec
	}
	p.mu.Unlock()

	if vec == nil {
		return
	}
	h, err := vec.GetMetricWith(labels)
	if err != nil {
		p.log.Warn("dropping duration sample", "metric", name, "err", err)
		return
	}
	h.Observe(seconds)
}

func (p *Prom) IncCounter(name string, labels map[string]string) {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name,
			Help: p.helpFor(name, "Total count."),
		}, labelNames(labels))
		vec = register(p, vec)
		p.counters[name] = vec
	}
	p.mu.Unlock()

	if vec == nil {
		return
	}
	c, err := vec.GetMetricWith(labels)
	if err != nil {
		p.log.Warn("dropping counter increment", "metric", name, "err", err)
		return
	}
	c.Inc()
}

func (p *Prom) SetGauge(name string, value float64, labels map[string]string) {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name,
			Help: p.helpFor(name, "Current value."),
		}, labelNames(labels))
		vec = register(p, vec)
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	if vec == nil {
		return
	}
	g, err := vec.GetMetricWith(labels)
	if err != nil {
		p.log.Warn("dropping gauge update", "metric", name, "err", err)
		return
	}
	g.Set(value)
}

func (p *Prom) helpFor(name, fallback string) string {
	if h, ok := p.help[name]; ok {
		return h
	}
	return fallback
}

// register registers c, reusing an identical collector that is already
// registered. Returns nil if registration failed for any other reason.
func register[C prometheus.Collector](p *Prom, c C) C {
	if err := p.reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		p.log.Error("failed to register metric", "err", err)
		var zero C
		return zero
	}
	return c
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
