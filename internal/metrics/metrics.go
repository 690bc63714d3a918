package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Accounting instruments the session accounting engine.
type Accounting struct {
	Applied  prometheus.Counter
	Rejected *prometheus.CounterVec
}

// Sweep instruments the auto-absence sweeper.
type Sweep struct {
	Runs      prometheus.Counter
	Inserted  prometheus.Counter
	Completed prometheus.Counter
	Failures  prometheus.Counter
	Duration  prometheus.Histogram
}

// Reset instruments the password reset flow.
type Reset struct {
	OTPIssued   prometheus.Counter
	OTPRejected *prometheus.CounterVec
	Redeemed    prometheus.Counter
}

// NewAccounting registers accounting collectors on reg.
func NewAccounting(reg prometheus.Registerer) *Accounting {
	m := &Accounting{
		Applied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "artcenter",
			Name:      "accounting_applied_total",
			Help:      "Sessions whose accounting was applied.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "artcenter",
			Name:      "accounting_rejected_total",
			Help:      "Accounting requests rejected by a business rule.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.Applied, m.Rejected)
	return m
}

// NewSweep registers sweeper collectors on reg.
func NewSweep(reg prometheus.Registerer) *Sweep {
	m := &Sweep{
		Runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "artcenter",
			Name:      "sweep_runs_total",
			Help:      "Completed auto-absence sweeps.",
		}),
		Inserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "artcenter",
			Name:      "sweep_absences_inserted_total",
			Help:      "Absence rows inserted by the sweeper.",
		}),
		Completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "artcenter",
			Name:      "sweep_sessions_completed_total",
			Help:      "Sessions moved to completed by the sweeper.",
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "artcenter",
			Name:      "sweep_failures_total",
			Help:      "Sessions the sweeper failed to process.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "artcenter",
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of one sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.Runs, m.Inserted, m.Completed, m.Failures, m.Duration)
	return m
}

// NewReset registers password reset collectors on reg.
func NewReset(reg prometheus.Registerer) *Reset {
	m := &Reset{
		OTPIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "artcenter",
			Name:      "reset_otp_issued_total",
			Help:      "One-time codes issued.",
		}),
		OTPRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "artcenter",
			Name:      "reset_otp_rejected_total",
			Help:      "One-time code requests or checks rejected.",
		}, []string{"reason"}),
		Redeemed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "artcenter",
			Name:      "reset_token_redeemed_total",
			Help:      "Reset tokens redeemed for a password change.",
		}),
	}
	reg.MustRegister(m.OTPIssued, m.OTPRejected, m.Redeemed)
	return m
}
