package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry         *prometheus.Registry
	enrollmentsTotal *prometheus.CounterVec
	rewardsTotal     *prometheus.CounterVec
	badgeIssuesTotal *prometheus.CounterVec
	coinOpsTotal     *prometheus.CounterVec
	gatewayMode      *prometheus.GaugeVec
}

func newMetricsRegistry() *metricsRegistry {
	enrollments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusmint_enrollments_total",
		Help: "Enrollment triggers by badge outcome",
	}, []string{"outcome"})

	rewards := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusmint_enrollment_rewards_total",
		Help: "Enrollment reward payouts by result",
	}, []string{"result"})

	badges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusmint_admin_badge_issues_total",
		Help: "Admin badge issuance requests by outcome",
	}, []string{"outcome"})

	coinOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusmint_coin_operations_total",
		Help: "Coin mint and transfer requests by result",
	}, []string{"op", "result"})

	mode := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "campusmint_gateway_mode",
		Help: "Set to 1 for the mode each gateway runs in",
	}, []string{"asset", "mode", "network"})

	r := prometheus.NewRegistry()
	r.MustRegister(enrollments, rewards, badges, coinOps, mode)

	return &metricsRegistry{
		registry:         r,
		enrollmentsTotal: enrollments,
		rewardsTotal:     rewards,
		badgeIssuesTotal: badges,
		coinOpsTotal:     coinOps,
		gatewayMode:      mode,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incEnrollment(outcome string) {
	m.enrollmentsTotal.WithLabelValues(outcome).Inc()
}

func (m *metricsRegistry) incReward(result string) {
	m.rewardsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) incBadgeIssue(outcome string) {
	m.badgeIssuesTotal.WithLabelValues(outcome).Inc()
}

func (m *metricsRegistry) incCoinOp(op, result string) {
	m.coinOpsTotal.WithLabelValues(op, result).Inc()
}

func (m *metricsRegistry) setMode(asset, mode, network string) {
	m.gatewayMode.WithLabelValues(asset, mode, network).Set(1)
}
