// Package metrics exports scheduler counters in the Prometheus
// exposition format. The collector reads a status snapshot at scrape
// time, so instrumented schedulers pay nothing between scrapes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jazzonaut/metronome"
)

// SnapshotFunc returns the current status of every scheduler that should
// be exported. It is called once per scrape.
type SnapshotFunc func() []metronome.Status

// Collector implements prometheus.Collector over a status snapshot.
type Collector struct {
	snapshot SnapshotFunc

	running  *prometheus.Desc
	runs     *prometheus.Desc
	failures *prometheus.Desc
	runTime  *prometheus.Desc
	lagTime  *prometheus.Desc
	interval *prometheus.Desc
	clock    *prometheus.Desc
}

// NewCollector builds a Collector over snapshot. An empty namespace
// defaults to "metrond". Scheduler names become the "scheduler" label,
// so they must be unique within one snapshot.
func NewCollector(namespace string, snapshot SnapshotFunc) *Collector {
	if namespace == "" {
		namespace = "metrond"
	}
	labels := []string{"scheduler"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "scheduler", name), help, labels, nil)
	}
	return &Collector{
		snapshot: snapshot,
		running:  desc("running", "Whether the timing loop is currently active."),
		runs:     desc("runs_total", "Completed runs since process start."),
		failures: desc("failures_total", "Runs that returned an error or panicked."),
		runTime:  desc("run_time_seconds_total", "Cumulative time spent inside the task."),
		lagTime:  desc("lag_seconds_total", "Cumulative overrun folded into the timing grid."),
		interval: desc("interval_seconds", "Configured spacing between run starts."),
		clock:    desc("clock_seconds", "Current reading of the scheduler's stopwatch."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.running
	ch <- c.runs
	ch <- c.failures
	ch <- c.runTime
	ch <- c.lagTime
	ch <- c.interval
	ch <- c.clock
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.snapshot() {
		up := 0.0
		if st.Running {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, up, st.Name)
		ch <- prometheus.MustNewConstMetric(c.runs, prometheus.CounterValue, float64(st.RunCount), st.Name)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(st.FailureCount), st.Name)
		ch <- prometheus.MustNewConstMetric(c.runTime, prometheus.CounterValue, st.TotalRunTime.Seconds(), st.Name)
		ch <- prometheus.MustNewConstMetric(c.lagTime, prometheus.CounterValue, st.TotalLagTime.Seconds(), st.Name)
		ch <- prometheus.MustNewConstMetric(c.interval, prometheus.GaugeValue, st.Interval.Seconds(), st.Name)
		ch <- prometheus.MustNewConstMetric(c.clock, prometheus.GaugeValue, st.Elapsed.Seconds(), st.Name)
	}
}

// NewRegistry returns a fresh registry with the given collectors
// registered.
func NewRegistry(cs ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range cs {
		reg.MustRegister(c)
	}
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
