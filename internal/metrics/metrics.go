// Package metrics adapts the per-component instrumentation sinks onto a
// Prometheus registry. Collectors are created lazily on first use; the label
// set a metric is first observed with becomes its fixed schema.
package metrics

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromSink implements the IncCounter/SetGauge sink contract shared by the
// session, task, and rate-limit managers.
type PromSink struct {
	ns      string
	reg     *prometheus.Registry
	factory promauto.Factory

	mu       sync.Mutex
	counters map[string]*counterEntry
	gauges   map[string]*gaugeEntry
}

type counterEntry struct {
	vec    *prometheus.CounterVec
	labels []string
}

type gaugeEntry struct {
	vec    *prometheus.GaugeVec
	labels []string
}

// NewPromSink builds a sink with its own registry, namespaced under ns.
func NewPromSink(ns string) *PromSink {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	return &PromSink{
		ns:       ns,
		reg:      reg,
		factory:  promauto.With(reg),
		counters: make(map[string]*counterEntry),
		gauges:   make(map[string]*gaugeEntry),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PromSink) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (p *PromSink) Registry() *prometheus.Registry {
	return p.reg
}

// IncCounter increments the named counter with the given tags.
func (p *PromSink) IncCounter(name string, tags map[string]string) {
	p.mu.Lock()
	entry, ok := p.counters[name]
	if !ok {
		labels := sortedKeys(tags)
		entry = &counterEntry{
			vec: p.factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: p.ns,
				Name:      name,
			}, labels),
			labels: labels,
		}
		p.counters[name] = entry
	}
	p.mu.Unlock()

	entry.vec.With(labelValues(entry.labels, tags)).Inc()
}

// SetGauge sets the named gauge with the given tags.
func (p *PromSink) SetGauge(name string, value float64, tags map[string]string) {
	p.mu.Lock()
	entry, ok := p.gauges[name]
	if !ok {
		labels := sortedKeys(tags)
		entry = &gaugeEntry{
			vec: p.factory.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: p.ns,
				Name:      name,
			}, labels),
			labels: labels,
		}
		p.gauges[name] = entry
	}
	p.mu.Unlock()

	entry.vec.With(labelValues(entry.labels, tags)).Set(value)
}

func sortedKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// labelValues maps tags onto the schema the metric was registered with.
// Missing tags become empty labels; unknown tags are ignored.
func labelValues(labels []string, tags map[string]string) prometheus.Labels {
	out := make(prometheus.Labels, len(labels))
	for _, k := range labels {
		out[k] = tags[k]
	}
	return out
}
