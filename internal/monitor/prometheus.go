package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "httptrading"

var (
	requestsDesc     = prometheus.NewDesc(namespace+"_requests_total", "HTTP requests served.", nil, nil)
	errorsDesc       = prometheus.NewDesc(namespace+"_error_responses_total", "Requests answered with an error envelope.", nil, nil)
	authFailuresDesc = prometheus.NewDesc(namespace+"_auth_failures_total", "Requests rejected by instance authentication.", nil, nil)
	rateLimitedDesc  = prometheus.NewDesc(namespace+"_rate_limited_total", "Requests rejected by the client IP limiter.", nil, nil)
	panicsDesc       = prometheus.NewDesc(namespace+"_panics_total", "Handler panics recovered.", nil, nil)
	brokerErrDesc    = prometheus.NewDesc(namespace+"_broker_errors_total", "Failed broker operations.", []string{"broker"}, nil)
	stateDesc        = prometheus.NewDesc(namespace+"_broker_state_changes_total", "Published broker state transitions.", []string{"state"}, nil)
	instancesDesc    = prometheus.NewDesc(namespace+"_instances", "Configured broker instances.", []string{"status"}, nil)
	latencyDesc      = prometheus.NewDesc(namespace+"_api_latency_ms", "API latency over the recent sample window.", []string{"quantile"}, nil)
	dumpsDesc        = prometheus.NewDesc(namespace+"_order_dumps_written_total", "Order dumps written to the dump store.", nil, nil)
	dumpErrDesc      = prometheus.NewDesc(namespace+"_order_dump_errors_total", "Failed dump store batches.", nil, nil)
)

// Collector exposes SystemMetrics in the Prometheus text format. Values are
// read from a fresh snapshot on every scrape.
type Collector struct {
	metrics *SystemMetrics
}

func NewCollector(m *SystemMetrics) *Collector {
	return &Collector{metrics: m}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		requestsDesc, errorsDesc, authFailuresDesc, rateLimitedDesc, panicsDesc,
		brokerErrDesc, stateDesc, instancesDesc, latencyDesc, dumpsDesc, dumpErrDesc,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.GetSnapshot()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(requestsDesc, s.Requests)
	counter(errorsDesc, s.ErrorsCount)
	counter(authFailuresDesc, s.AuthFailures)
	counter(rateLimitedDesc, s.RateLimited)
	counter(panicsDesc, s.Panics)
	for name, v := range s.BrokerErrors {
		counter(brokerErrDesc, v, name)
	}
	for state, v := range s.StateChanges {
		counter(stateDesc, v, state)
	}

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	gauge(instancesDesc, float64(s.Instances.Total), "total")
	gauge(instancesDesc, float64(s.Instances.Started), "started")
	gauge(instancesDesc, float64(s.Instances.Unhealthy), "unhealthy")
	gauge(latencyDesc, s.APILatency.P50, "0.5")
	gauge(latencyDesc, s.APILatency.P95, "0.95")
	gauge(latencyDesc, s.APILatency.P99, "0.99")

	if s.DumpStore != nil {
		counter(dumpsDesc, s.DumpStore.TotalWrites)
		counter(dumpErrDesc, s.DumpStore.TotalErrors)
	}
}

// NewRegistry returns a registry holding the gateway collector plus the Go
// runtime and process collectors.
func NewRegistry(m *SystemMetrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(m),
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return reg
}
