package events

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wesleyorama2/smtpload/internal/loadtest"
)

// Prometheus turns events into metrics.
type Prometheus struct {
	events      *prometheus.CounterVec
	active      prometheus.Gauge
	failures    prometheus.Counter
	emails      *prometheus.CounterVec
	runDuration prometheus.Histogram
}

// NewPrometheus creates the collectors and registers them on reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smtpload",
			Name:      "events_total",
			Help:      "Engine events emitted, by type.",
		}, []string{"type"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "smtpload",
			Name:      "runs_active",
			Help:      "Load test runs that have started and not completed.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smtpload",
			Name:      "send_failures_total",
			Help:      "Failed send attempts.",
		}),
		emails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smtpload",
			Name:      "emails_total",
			Help:      "Send attempts of completed runs, by result.",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "smtpload",
			Name:      "run_duration_seconds",
			Help:      "Wall time of completed runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
	}

	for _, c := range []prometheus.Collector{p.events, p.active, p.failures, p.emails, p.runDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Emit implements Sink.
func (p *Prometheus) Emit(ev loadtest.Event) {
	p.events.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case loadtest.EventStarted:
		p.active.Inc()
	case loadtest.EventError:
		p.failures.Inc()
	case loadtest.EventCompleted:
		p.active.Dec()
		if s, ok := ev.State(); ok {
			p.emails.WithLabelValues("success").Add(float64(s.Succeeded))
			p.emails.WithLabelValues("error").Add(float64(s.Failed))
			p.runDuration.Observe(s.Elapsed(ev.Timestamp).Seconds())
		}
	}
}
