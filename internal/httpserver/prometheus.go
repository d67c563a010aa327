package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/pcstats-logger/internal/pipeline"
	"github.com/skobkin/pcstats-logger/internal/stats"
)

const metricsNamespace = "pcstats"

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
	}

	if s.reports != nil {
		collectors = append(collectors, newReportCollector(s.reports))
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

// reportCollector exposes cumulative cycle counters and the values of the
// latest persisted records.
type reportCollector struct {
	reports Reports

	cycles        *prometheus.Desc
	noData        *prometheus.Desc
	inserted      *prometheus.Desc
	recordErrors  *prometheus.Desc
	skipped       *prometheus.Desc
	cycleTime     *prometheus.Desc
	cycleDuration *prometheus.Desc
	degraded      *prometheus.Desc
	host          []hostMetric
	gpu           []gpuMetric
}

type hostMetric struct {
	desc    *prometheus.Desc
	extract func(stats.HostSample) *float64
}

type gpuMetric struct {
	desc    *prometheus.Desc
	extract func(stats.GPUSample) *float64
}

func newReportCollector(reports Reports) *reportCollector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, subsystem, name),
			help,
			labels,
			nil,
		)
	}

	return &reportCollector{
		reports:       reports,
		cycles:        desc("cycle", "runs_total", "Total collection cycles run."),
		noData:        desc("cycle", "no_data_total", "Total cycles that collected no data."),
		inserted:      desc("records", "inserted_total", "Total records persisted.", "entity"),
		recordErrors:  desc("records", "errors_total", "Total records that failed validation or insertion."),
		skipped:       desc("records", "skipped_total", "Total extra host records skipped."),
		cycleTime:     desc("cycle", "last_timestamp_seconds", "Unix timestamp of the latest cycle."),
		cycleDuration: desc("cycle", "last_duration_seconds", "Duration of the latest cycle."),
		degraded:      desc("gpu", "degraded", "Whether GPU telemetry was unavailable in the latest cycle."),
		host: []hostMetric{
			{desc("host", "cpu_usage_percent", "CPU usage of the latest persisted host record."),
				func(h stats.HostSample) *float64 { return h.CPUUsagePercent }},
			{desc("host", "cpu_frequency_mhz", "CPU frequency of the latest persisted host record."),
				func(h stats.HostSample) *float64 { return h.CPUFrequencyMHz }},
			{desc("host", "ram_used_gb", "RAM used in GB."),
				func(h stats.HostSample) *float64 { return h.RAMUsedGB }},
			{desc("host", "ram_available_gb", "RAM available in GB."),
				func(h stats.HostSample) *float64 { return h.RAMAvailableGB }},
			{desc("host", "net_received_mb", "Cumulative MB received across interfaces."),
				func(h stats.HostSample) *float64 { return h.NetBytesReceivedMB }},
			{desc("host", "net_sent_mb", "Cumulative MB sent across interfaces."),
				func(h stats.HostSample) *float64 { return h.NetBytesSentMB }},
		},
		gpu: []gpuMetric{
			{desc("gpu", "ram_used_mb", "GPU memory used in MB.", "gpu_id"),
				func(g stats.GPUSample) *float64 { return g.RAMUsedMB }},
			{desc("gpu", "ram_available_mb", "GPU memory available in MB.", "gpu_id"),
				func(g stats.GPUSample) *float64 { return g.RAMAvailableMB }},
			{desc("gpu", "temperature_celsius", "GPU temperature in Celsius.", "gpu_id"),
				func(g stats.GPUSample) *float64 { return g.TemperatureCelsius }},
		},
	}
}

func (c *reportCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cycles
	ch <- c.noData
	ch <- c.inserted
	ch <- c.recordErrors
	ch <- c.skipped
	ch <- c.cycleTime
	ch <- c.cycleDuration
	ch <- c.degraded
	for _, m := range c.host {
		ch <- m.desc
	}
	for _, m := range c.gpu {
		ch <- m.desc
	}
}

func (c *reportCollector) Collect(ch chan<- prometheus.Metric) {
	totals := c.reports.Totals()
	ch <- prometheus.MustNewConstMetric(c.cycles, prometheus.CounterValue, float64(totals.Cycles))
	ch <- prometheus.MustNewConstMetric(c.noData, prometheus.CounterValue, float64(totals.NoData))
	ch <- prometheus.MustNewConstMetric(c.inserted, prometheus.CounterValue, float64(totals.HostInserted), string(stats.KindHost))
	ch <- prometheus.MustNewConstMetric(c.inserted, prometheus.CounterValue, float64(totals.GPUInserted), string(stats.KindGPU))
	ch <- prometheus.MustNewConstMetric(c.recordErrors, prometheus.CounterValue, float64(totals.Errors))
	ch <- prometheus.MustNewConstMetric(c.skipped, prometheus.CounterValue, float64(totals.Skipped))

	report, ok := c.reports.Latest()
	if !ok {
		return
	}
	c.collectReport(ch, report)
}

func (c *reportCollector) collectReport(ch chan<- prometheus.Metric, report pipeline.Report) {
	if !report.Time.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.cycleTime, prometheus.GaugeValue, float64(report.Time.UnixNano())/float64(time.Second))
	}
	ch <- prometheus.MustNewConstMetric(c.cycleDuration, prometheus.GaugeValue, report.Duration.Seconds())

	degraded := 0.0
	if report.Degraded != "" {
		degraded = 1
	}
	ch <- prometheus.MustNewConstMetric(c.degraded, prometheus.GaugeValue, degraded)

	if report.Host != nil {
		for _, m := range c.host {
			if v := m.extract(*report.Host); v != nil {
				ch <- prometheus.MustNewConstMetric(m.desc, prometheus.GaugeValue, *v)
			}
		}
	}
	for _, sample := range report.GPUs {
		id := strconv.Itoa(sample.GPUID)
		for _, m := range c.gpu {
			if v := m.extract(sample); v != nil {
				ch <- prometheus.MustNewConstMetric(m.desc, prometheus.GaugeValue, *v, id)
			}
		}
	}
}
