package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "imagejobs"

// Exporter adapts a Collector snapshot to Prometheus metrics at scrape time
type Exporter struct {
	source Collector

	requestsTotal  *prometheus.Desc
	queuedTotal    *prometheus.Desc
	completedTotal *prometheus.Desc
	failedTotal    *prometheus.Desc
	avgDuration    *prometheus.Desc
	queueWaiting   *prometheus.Desc
	queueActive    *prometheus.Desc
	uptimeSeconds  *prometheus.Desc
}

var _ prometheus.Collector = (*Exporter)(nil)

func NewExporter(source Collector) *Exporter {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &Exporter{
		source:         source,
		requestsTotal:  desc("requests_total", "HTTP requests handled by the producer API."),
		queuedTotal:    desc("jobs_queued_total", "Jobs accepted and enqueued."),
		completedTotal: desc("jobs_completed_total", "Jobs that finished successfully."),
		failedTotal:    desc("jobs_failed_total", "Jobs that finished with an error."),
		avgDuration:    desc("request_duration_avg_seconds", "Mean duration of the most recent HTTP requests."),
		queueWaiting:   desc("queue_waiting", "Jobs waiting in the broker at the last sample."),
		queueActive:    desc("queue_active", "Jobs held by workers at the last sample."),
		uptimeSeconds:  desc("uptime_seconds", "Seconds since the process started."),
	}
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.requestsTotal
	ch <- e.queuedTotal
	ch <- e.completedTotal
	ch <- e.failedTotal
	ch <- e.avgDuration
	ch <- e.queueWaiting
	ch <- e.queueActive
	ch <- e.uptimeSeconds
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.source.Snapshot()

	ch <- prometheus.MustNewConstMetric(e.requestsTotal, prometheus.CounterValue, float64(s.RequestsTotal))
	ch <- prometheus.MustNewConstMetric(e.queuedTotal, prometheus.CounterValue, float64(s.JobsQueuedTotal))
	ch <- prometheus.MustNewConstMetric(e.completedTotal, prometheus.CounterValue, float64(s.JobsCompletedTotal))
	ch <- prometheus.MustNewConstMetric(e.failedTotal, prometheus.CounterValue, float64(s.JobsFailedTotal))
	ch <- prometheus.MustNewConstMetric(e.avgDuration, prometheus.GaugeValue, s.AvgRequestDurationMs/1000)
	ch <- prometheus.MustNewConstMetric(e.queueWaiting, prometheus.GaugeValue, float64(s.QueueWaiting))
	ch <- prometheus.MustNewConstMetric(e.queueActive, prometheus.GaugeValue, float64(s.QueueActive))
	ch <- prometheus.MustNewConstMetric(e.uptimeSeconds, prometheus.GaugeValue, s.UptimeSeconds)
}

// NewRegistry returns a registry holding only the exporter for source
func NewRegistry(source Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewExporter(source))
	return reg
}

// Handler serves the text exposition for reg
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
