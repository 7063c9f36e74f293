package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LoyaltyMetricsRegistry groups the counters and histograms emitted by the
// loyalty engine.
type LoyaltyMetricsRegistry struct {
	scans             *prometheus.CounterVec
	pointsAwarded     *prometheus.CounterVec
	pointsRedeemed    prometheus.Counter
	provisioningRuns  *prometheus.CounterVec
	rewardsIssued     *prometheus.CounterVec
	externalCalls     *prometheus.CounterVec
	externalLatency   *prometheus.HistogramVec
	stageFailures     *prometheus.CounterVec
	provisionDuration prometheus.Histogram
}

var (
	loyaltyMetricsOnce sync.Once
	loyaltyRegistry    *LoyaltyMetricsRegistry
)

// LoyaltyMetrics returns the lazily-initialised loyalty metrics registry.
func LoyaltyMetrics() *LoyaltyMetricsRegistry {
	loyaltyMetricsOnce.Do(func() {
		loyaltyRegistry = &LoyaltyMetricsRegistry{
			scans: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "qrloyalty",
				Subsystem: "scan",
				Name:      "total",
				Help:      "QR scans segmented by code type and resolution outcome.",
			}, []string{"type", "outcome"}),
			pointsAwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "qrloyalty",
				Subsystem: "ledger",
				Name:      "points_awarded_total",
				Help:      "Points credited to customer balances segmented by source.",
			}, []string{"source"}),
			pointsRedeemed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "qrloyalty",
				Subsystem: "ledger",
				Name:      "points_redeemed_total",
				Help:      "Points debited from customer balances.",
			}),
			provisioningRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "qrloyalty",
				Subsystem: "provisioning",
				Name:      "runs_total",
				Help:      "Tier reward provisioning runs segmented by outcome.",
			}, []string{"outcome"}),
			rewardsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "qrloyalty",
				Subsystem: "provisioning",
				Name:      "rewards_total",
				Help:      "Rewards provisioned segmented by reward type and sync state.",
			}, []string{"reward_type", "sync"}),
			externalCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "qrloyalty",
				Subsystem: "commerce",
				Name:      "calls_total",
				Help:      "Commerce platform calls segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			externalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "qrloyalty",
				Subsystem: "commerce",
				Name:      "call_duration_seconds",
				Help:      "Latency of commerce platform calls including retries.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "qrloyalty",
				Subsystem: "scan",
				Name:      "stage_failures_total",
				Help:      "Scan pipeline stage failures segmented by stage and action taken.",
			}, []string{"stage", "action"}),
			provisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "qrloyalty",
				Subsystem: "provisioning",
				Name:      "duration_seconds",
				Help:      "Duration of provisioning runs that dispatched at least one template.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			}),
		}
		prometheus.MustRegister(
			loyaltyRegistry.scans,
			loyaltyRegistry.pointsAwarded,
			loyaltyRegistry.pointsRedeemed,
			loyaltyRegistry.provisioningRuns,
			loyaltyRegistry.rewardsIssued,
			loyaltyRegistry.externalCalls,
			loyaltyRegistry.externalLatency,
			loyaltyRegistry.stageFailures,
			loyaltyRegistry.provisionDuration,
		)
	})
	return loyaltyRegistry
}

// RecordScan counts a scan resolution. outcome is one of redirected,
// not_found, expired or error.
func (m *LoyaltyMetricsRegistry) RecordScan(qrType, outcome string) {
	if m == nil {
		return
	}
	if qrType == "" {
		qrType = "unknown"
	}
	m.scans.WithLabelValues(qrType, outcome).Inc()
}

// RecordAward counts points credited from source.
func (m *LoyaltyMetricsRegistry) RecordAward(source string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.pointsAwarded.WithLabelValues(source).Add(float64(amount))
}

// RecordRedeem counts points debited.
func (m *LoyaltyMetricsRegistry) RecordRedeem(amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.pointsRedeemed.Add(float64(amount))
}

// RecordProvisioning counts a provisioning run and, when dispatched is true,
// observes its duration.
func (m *LoyaltyMetricsRegistry) RecordProvisioning(outcome string, dispatched bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.provisioningRuns.WithLabelValues(outcome).Inc()
	if dispatched {
		m.provisionDuration.Observe(elapsed.Seconds())
	}
}

// RecordReward counts a provisioned reward. synced is false when the reward
// was recorded locally after the platform call failed.
func (m *LoyaltyMetricsRegistry) RecordReward(rewardType string, synced bool) {
	if m == nil {
		return
	}
	state := "synced"
	if !synced {
		state = "local_only"
	}
	m.rewardsIssued.WithLabelValues(rewardType, state).Inc()
}

// ObserveExternalCall records a commerce platform call.
func (m *LoyaltyMetricsRegistry) ObserveExternalCall(operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.externalCalls.WithLabelValues(operation, outcome).Inc()
	m.externalLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RecordStageFailure counts a failed scan pipeline stage.
func (m *LoyaltyMetricsRegistry) RecordStageFailure(stage, action string) {
	if m == nil {
		return
	}
	m.stageFailures.WithLabelValues(stage, action).Inc()
}
