// Package metrics abstracts instrument creation so the pipeline can run
// with a real Prometheus registry or a no-op provider in tests.
package metrics

import "context"

// Counter represents a monotonically increasing value.
type Counter interface {
	Inc(delta float64, labels ...string)
}

// Gauge represents a value that can go up or down.
type Gauge interface {
	Set(value float64, labels ...string)
	Add(delta float64, labels ...string)
}

// Provider is the top-level metrics provider abstraction.
type Provider interface {
	NewCounter(opts CounterOpts) Counter
	NewGauge(opts GaugeOpts) Gauge
	Health(ctx context.Context) error
}

// CommonOpts is embedded into each metric option struct.
type CommonOpts struct {
	Namespace string
	Subsystem string
	Name      string
	Help      string
	Labels    []string
}

type CounterOpts struct{ CommonOpts }
type GaugeOpts struct{ CommonOpts }

type noopProvider struct{}
type noopCounter struct{}
type noopGauge struct{}

// NewNoopProvider returns a provider that discards all instrumentation.
func NewNoopProvider() Provider { return noopProvider{} }

func (noopProvider) NewCounter(CounterOpts) Counter       { return noopCounter{} }
func (noopProvider) NewGauge(GaugeOpts) Gauge             { return noopGauge{} }
func (noopProvider) Health(context.Context) error         { return nil }
func (noopCounter) Inc(delta float64, labels ...string)   {}
func (noopGauge) Set(value float64, labels ...string)     {}
func (noopGauge) Add(delta float64, labels ...string)     {}
