// Package metrics holds the prometheus collectors exported on the debug
// listener. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	CredentialFetches *prometheus.CounterVec
	AuthChallenges    *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	CacheFallbacks    *prometheus.CounterVec
	APIRequests       *prometheus.CounterVec
	State             *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		CredentialFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyvpn_credential_fetches_total",
			Help: "Credential fetch attempts by result",
		}, []string{"result"}),
		AuthChallenges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyvpn_auth_challenges_total",
			Help: "Proxy authentication challenges by outcome",
		}, []string{"outcome"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyvpn_state_transitions_total",
			Help: "Connection state transitions by target state",
		}, []string{"state"}),
		CacheFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyvpn_cache_fallbacks_total",
			Help: "Cache operations served by a fallback tier",
		}, []string{"tier", "op"}),
		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyvpn_api_requests_total",
			Help: "REST API requests by route and status class",
		}, []string{"route", "status"}),
		State: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proxyvpn_state",
			Help: "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) CredentialFetch(result string) {
	if m == nil {
		return
	}
	m.CredentialFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) AuthChallenge(outcome string) {
	if m == nil {
		return
	}
	m.AuthChallenges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CacheFallback(tier, op string) {
	if m == nil {
		return
	}
	m.CacheFallbacks.WithLabelValues(tier, op).Inc()
}

func (m *Metrics) APIRequest(route, status string) {
	if m == nil {
		return
	}
	m.APIRequests.WithLabelValues(route, status).Inc()
}

// Transition counts a transition into state and flips the state gauge.
func (m *Metrics) Transition(state string, all ...string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(state).Inc()
	for _, s := range all {
		m.State.WithLabelValues(s).Set(0)
	}
	m.State.WithLabelValues(state).Set(1)
}
