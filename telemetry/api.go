// Package telemetry provides simple metrics emission for the retry engine.
// Counter, Histogram, and Duration cover the common cases; everything is
// routed through the OpenTelemetry global meter so the embedding application
// decides where metrics actually go by installing its own provider.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Module label values, kept as constants so dashboards can rely on them.
const (
	ModuleCore      = "core"
	ModuleExecution = "execution"
	ModuleSchema    = "schema"
)

const meterName = "github.com/agentmux/toolflow"

var (
	counterMu   sync.Mutex
	counters    = make(map[string]metric.Float64Counter)
	histogramMu sync.Mutex
	histograms  = make(map[string]metric.Float64Histogram)
)

// Counter increments a counter metric by 1.
// Labels are provided as key-value pairs.
// Example: Counter("execution.retries", "tool", "email-search")
func Counter(name string, labels ...string) {
	counterMu.Lock()
	c, ok := counters[name]
	if !ok {
		var err error
		c, err = otel.Meter(meterName).Float64Counter(name)
		if err != nil {
			counterMu.Unlock()
			return
		}
		counters[name] = c
	}
	counterMu.Unlock()

	c.Add(context.Background(), 1, metric.WithAttributes(labelAttrs(labels)...))
}

// Histogram records a value in a distribution.
// Use for latencies, attempt counts, batch sizes.
// Example: Histogram("classifier.llm_latency_ms", 231.0, "tool", "calendar")
func Histogram(name string, value float64, labels ...string) {
	histogramMu.Lock()
	h, ok := histograms[name]
	if !ok {
		var err error
		h, err = otel.Meter(meterName).Float64Histogram(name)
		if err != nil {
			histogramMu.Unlock()
			return
		}
		histograms[name] = h
	}
	histogramMu.Unlock()

	h.Record(context.Background(), value, metric.WithAttributes(labelAttrs(labels)...))
}

// Duration records elapsed time since startTime in milliseconds.
// Example:
//
//	start := time.Now()
//	defer telemetry.Duration("execution.batch_ms", start, "module", telemetry.ModuleExecution)
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// labelAttrs converts key-value string pairs to attributes.
// An odd trailing key is dropped rather than paired with an empty value.
func labelAttrs(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
