package app

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-metrics"
	prometheussink "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the sinks a serving process reports to. Inmem backs the
// signal-triggered dump; Handler exposes the prometheus registry.
type Metrics struct {
	Inmem   *metrics.InmemSink
	Sink    metrics.MetricSink
	Handler http.Handler
}

// NewMetrics builds an in-memory sink fanned out with a prometheus sink
// registered on a fresh registry carrying the process and Go collectors.
func NewMetrics(interval, retain time.Duration) (*Metrics, error) {
	registry, err := newPrometheusRegistry()
	if err != nil {
		return nil, err
	}
	promSink, err := prometheussink.NewPrometheusSinkFrom(prometheussink.PrometheusOpts{
		Registerer: registry,
	})
	if err != nil {
		return nil, err
	}
	inmem := metrics.NewInmemSink(interval, retain)
	return &Metrics{
		Inmem:   inmem,
		Sink:    metrics.FanoutSink{inmem, promSink},
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, nil
}

func newPrometheusRegistry() (*prometheus.Registry, error) {
	r := prometheus.NewRegistry()
	if err := r.Register(prometheus.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := r.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	return r, nil
}
