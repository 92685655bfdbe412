package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	CheckTotal  *prometheus.CounterVec // result=clear|active|error
	JoinTotal   *prometheus.CounterVec // result=success|active|closed|busy|error
	StatusTotal *prometheus.CounterVec // status=waiting|done|failed|expired|cancelled|not_found
	CancelTotal *prometheus.CounterVec // result=cancelled|noop

	OpLatencyMS *prometheus.HistogramVec // op=check|join|status|cancel|advance

	DBBusyTotal *prometheus.CounterVec // op=join|advance|...

	ReleasedTotal    prometheus.Counter
	ExpiredTotal     prometheus.Counter
	FailedTotal      *prometheus.CounterVec // reason=BACKEND_UNAVAILABLE|SOLD_OUT|SALE_ENDED
	HoldsLapsedTotal prometheus.Counter

	JobsWaiting   prometheus.Gauge
	OrdersPending prometheus.Gauge
}

// NewMetrics builds the collectors and registers them on reg. A nil reg
// leaves them unregistered, which keeps tests independent of each other.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CheckTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_check_total",
				Help: "Active-order checks by result",
			},
			[]string{"result"},
		),
		JoinTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_join_total",
				Help: "Join attempts by result",
			},
			[]string{"result"},
		),
		StatusTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_status_total",
				Help: "Status polls by reported job status",
			},
			[]string{"status"},
		),
		CancelTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_cancel_total",
				Help: "Cancel requests by result",
			},
			[]string{"result"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "queue_op_latency_ms",
				Help:    "Latency of queue operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"op"},
		),
		DBBusyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_db_busy_total",
				Help: "Total sqlite busy/locked errors",
			},
			[]string{"op"},
		),
		ReleasedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_released_total",
			Help: "Jobs released into checkout",
		}),
		ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_expired_total",
			Help: "Waiting jobs expired for lack of polling",
		}),
		FailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_failed_total",
				Help: "Jobs failed by the coordinator, by reason",
			},
			[]string{"reason"},
		),
		HoldsLapsedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_checkout_holds_lapsed_total",
			Help: "Pending orders cancelled because the checkout hold ran out",
		}),
		JobsWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_jobs_waiting",
			Help: "Number of jobs currently waiting in line",
		}),
		OrdersPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_orders_pending",
			Help: "Number of released orders waiting for checkout",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.CheckTotal,
			m.JoinTotal,
			m.StatusTotal,
			m.CancelTotal,
			m.OpLatencyMS,
			m.DBBusyTotal,
			m.ReleasedTotal,
			m.ExpiredTotal,
			m.FailedTotal,
			m.HoldsLapsedTotal,
			m.JobsWaiting,
			m.OrdersPending,
		)
	}

	return m
}
