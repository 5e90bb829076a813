package metrics

import (
	"context"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
)

func TestNewCounterBuildsNamespacedName(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{
		Namespace: "aura", Subsystem: "queue", Name: "rows_total", Help: "rows",
	}})
	if _, ok := c.(*promCounter); !ok {
		t.Fatalf("expected a *promCounter, got %T", c)
	}
}

func TestNewCounterReusesAlreadyRegisteredVec(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	opts := CounterOpts{CommonOpts: CommonOpts{Namespace: "aura", Name: "published_total", Help: "published"}}

	first := p.NewCounter(opts)
	second := p.NewCounter(opts)
	first.Inc(1)
	second.Inc(1)

	mfs, err := p.reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var found bool
	for _, mf := range mfs {
		if mf.GetName() == "aura_published_total" {
			found = true
			if mf.GetMetric()[0].GetCounter().GetValue() != 2 {
				t.Fatalf("expected accumulated value 2, got %v", mf.GetMetric()[0].GetCounter().GetValue())
			}
		}
	}
	if !found {
		t.Fatalf("expected aura_published_total to be registered")
	}
}

func TestNewCounterRejectsInvalidName(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "has space"}})
	if _, ok := c.(noopCounter); !ok {
		t.Fatalf("expected an invalid metric name to fall back to a noop counter")
	}
}

func TestGaugeSetAndAdd(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	g := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Namespace: "aura", Name: "queue_depth"}})
	g.Set(5)
	g.Add(-2)

	mfs, _ := p.reg.Gather()
	for _, mf := range mfs {
		if mf.GetName() == "aura_queue_depth" {
			if mf.GetMetric()[0].GetGauge().GetValue() != 3 {
				t.Fatalf("expected gauge value 3, got %v", mf.GetMetric()[0].GetGauge().GetValue())
			}
		}
	}
}

func TestHealthReportsRegistrationProblems(t *testing.T) {
	reg := prom.NewRegistry()
	p := NewPrometheusProvider(PrometheusProviderOptions{Registry: reg})
	p.recordProblem(context.DeadlineExceeded)
	if err := p.Health(context.Background()); err == nil {
		t.Fatalf("expected health to surface recorded problem")
	}
}

func TestNoopProviderDiscardsEverything(t *testing.T) {
	p := NewNoopProvider()
	c := p.NewCounter(CounterOpts{})
	g := p.NewGauge(GaugeOpts{})
	c.Inc(1)
	g.Set(1)
	if err := p.Health(context.Background()); err != nil {
		t.Fatalf("expected noop health to be nil, got %v", err)
	}
}
