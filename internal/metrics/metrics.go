// Package metrics exposes bridge and call history counters to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/callbridge/internal/bridge"
	"github.com/prometheus/client_golang/prometheus"
)

// SessionCounter reports the registry population.
type SessionCounter interface {
	Counts(ctx context.Context) (live, unbound int, err error)
}

// BridgeStatsProvider exposes the bridge's forced-timeout and failure counters.
type BridgeStatsProvider interface {
	Stats() bridge.Stats
}

// SignalingCallCounter returns the number of live signaling calls.
type SignalingCallCounter interface {
	CallCount() int
}

// OutcomeCounter returns logged call counts grouped by outcome.
type OutcomeCounter interface {
	CountByOutcome(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector that gathers callbridge metrics at scrape time.
type Collector struct {
	sessions  SessionCounter
	stats     BridgeStatsProvider
	signaling SignalingCallCounter
	outcomes  OutcomeCounter
	startTime time.Time
	now       func() time.Time

	// Metric descriptors.
	sessionsDesc            *prometheus.Desc
	signalingCallsDesc      *prometheus.Desc
	forcedAcceptDesc        *prometheus.Desc
	forcedReportDesc        *prometheus.Desc
	reportFailuresDesc      *prometheus.Desc
	signalingRejectionsDesc *prometheus.Desc
	callsTotalDesc          *prometheus.Desc
	uptimeDesc              *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	sessions SessionCounter,
	stats BridgeStatsProvider,
	signaling SignalingCallCounter,
	outcomes OutcomeCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		sessions:  sessions,
		stats:     stats,
		signaling: signaling,
		outcomes:  outcomes,
		startTime: startTime,
		now:       time.Now,

		sessionsDesc: prometheus.NewDesc(
			"callbridge_sessions",
			"Call sessions held by the registry, by binding state",
			[]string{"binding"}, nil,
		),
		signalingCallsDesc: prometheus.NewDesc(
			"callbridge_signaling_calls",
			"Live SIP calls held by the user agent",
			nil, nil,
		),
		forcedAcceptDesc: prometheus.NewDesc(
			"callbridge_forced_accept_timeouts_total",
			"Accepted calls ended because no signaling call appeared in time",
			nil, nil,
		),
		forcedReportDesc: prometheus.NewDesc(
			"callbridge_forced_report_timeouts_total",
			"Reported calls ended because no signaling call appeared in time",
			nil, nil,
		),
		reportFailuresDesc: prometheus.NewDesc(
			"callbridge_report_failures_total",
			"Incoming call reports the native surface rejected",
			nil, nil,
		),
		signalingRejectionsDesc: prometheus.NewDesc(
			"callbridge_signaling_rejections_total",
			"Signaling operations that returned an error",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"callbridge_calls_total",
			"Ended call sessions recorded in the call log",
			[]string{"outcome"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callbridge_uptime_seconds",
			"Seconds since the callbridge process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsDesc
	ch <- c.signalingCallsDesc
	ch <- c.forcedAcceptDesc
	ch <- c.forcedReportDesc
	ch <- c.reportFailuresDesc
	ch <- c.signalingRejectionsDesc
	ch <- c.callsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Registry population. The count runs on the bridge queue.
	if c.sessions != nil {
		live, unbound, err := c.sessions.Counts(ctx)
		if err != nil {
			slog.Error("metrics: failed to count sessions", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.sessionsDesc, prometheus.GaugeValue,
				float64(live-unbound), "bound",
			)
			ch <- prometheus.MustNewConstMetric(
				c.sessionsDesc, prometheus.GaugeValue,
				float64(unbound), "unbound",
			)
		}
	}

	if c.signaling != nil {
		ch <- prometheus.MustNewConstMetric(
			c.signalingCallsDesc, prometheus.GaugeValue,
			float64(c.signaling.CallCount()),
		)
	}

	if c.stats != nil {
		s := c.stats.Stats()
		ch <- prometheus.MustNewConstMetric(c.forcedAcceptDesc, prometheus.CounterValue, float64(s.ForcedAcceptTimeouts))
		ch <- prometheus.MustNewConstMetric(c.forcedReportDesc, prometheus.CounterValue, float64(s.ForcedReportTimeouts))
		ch <- prometheus.MustNewConstMetric(c.reportFailuresDesc, prometheus.CounterValue, float64(s.ReportFailures))
		ch <- prometheus.MustNewConstMetric(c.signalingRejectionsDesc, prometheus.CounterValue, float64(s.SignalingRejections))
	}

	// Call volume by outcome.
	if c.outcomes != nil {
		counts, err := c.outcomes.CountByOutcome(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by outcome", "error", err)
		} else {
			for outcome, n := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(n), outcome,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		c.now().Sub(c.startTime).Seconds(),
	)
}
