package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "featherdb"

var (
	Registry = prometheus.NewRegistry()

	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Engine requests by method, feather or verb, and result code.",
	}, []string{"method", "name", "result"})

	RequestSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_seconds",
		Help:      "Engine request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	DDLStatements = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ddl_statements_total",
		Help:      "DDL statements emitted by the schema compiler and view propagation.",
	})

	ChangeLogEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "change_log_entries_total",
		Help:      "Change-log entries written by action.",
	}, []string{"action"})
)

func init() {
	Registry.MustRegister(
		Requests,
		RequestSeconds,
		DDLStatements,
		ChangeLogEntries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
