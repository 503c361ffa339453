// Package metrics defines the gateway's Prometheus collectors and exposes
// them over /metrics via promhttp, the way the teacher's cmd/*-service
// mains mount promhttp.Handler().
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdoor_http_requests_total",
		Help: "HTTP requests handled by the gateway, by route class and status.",
	}, []string{"route", "method", "status"})

	TenantCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentdoor_tenant_count",
		Help: "Number of registered tenants currently live in the gateway.",
	})

	CapabilityCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdoor_capability_calls_total",
		Help: "Capability invocations proxied upstream, by tenant slug and outcome.",
	}, []string{"slug", "capability", "outcome"})

	RegistrationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdoor_registrations_total",
		Help: "POST /register attempts, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(HTTPRequestsTotal, TenantCount, CapabilityCallsTotal, RegistrationsTotal)
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler { return promhttp.Handler() }
