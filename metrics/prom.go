package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Logins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_logins_total",
			Help: "no. of login attempts by result",
		},
		[]string{"result"},
	)
	Decoys = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_decoy_redirects_total",
			Help: "no. of requests diverted to the decoy url",
		},
		[]string{"reason"},
	)
	PayloadViews = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_payload_views_total",
		Help: "no. of payload pages rendered",
	})
	PayloadChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_payload_changes_total",
			Help: "no. of payload mutations by operation",
		},
		[]string{"op"},
	)
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veil_store_errors_total",
			Help: "no. of failed store reads or writes",
		},
		[]string{"store"},
	)
	JournalErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_journal_errors_total",
		Help: "no. of dropped journal writes",
	})
	LoginFailureRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "veil_login_failure_rate_percent",
		Help: "share of failed logins over the last five minutes",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "veil_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "class", "status"},
	)
)
