package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bookmart/internal/cart"
)

type Registry struct {
	reg *prometheus.Registry

	// Cart store
	CartMutations      *prometheus.CounterVec
	PersistFailures    prometheus.Counter
	RehydrateFallbacks prometheus.Counter

	// Checkout
	OrdersPlaced     prometheus.Counter
	OrdersFailed     prometheus.Counter
	SubmitLatencySec prometheus.Histogram

	// Changelog and recovery
	ChangelogAppended  prometheus.Counter
	ChangelogFailed    prometheus.Counter
	Applied            prometheus.Counter
	Skipped            prometheus.Counter
	TTRSec             prometheus.Gauge
	ReplayBytes        prometheus.Counter
	LastManifestAgeSec prometheus.Gauge

	HTTPLatencySec *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	mutations := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bookmart_cart_mutations_total"}, []string{"op"})
	persistFailures := prometheus.NewCounter(prometheus.CounterOpts{Name: "bookmart_cart_persist_failures_total"})
	fallbacks := prometheus.NewCounter(prometheus.CounterOpts{Name: "bookmart_cart_rehydrate_fallbacks_total"})

	placed := prometheus.NewCounter(prometheus.CounterOpts{Name: "bookmart_orders_placed_total"})
	failed := prometheus.NewCounter(prometheus.CounterOpts{Name: "bookmart_orders_failed_total"})
	submitLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bookmart_order_submit_seconds",
		Buckets: prometheus.DefBuckets,
	})

	appended := prometheus.NewCounter(prometheus.CounterOpts{Name: "bookmart_changelog_appended_total"})
	appendFailed := prometheus.NewCounter(prometheus.CounterOpts{Name: "bookmart_changelog_failed_total"})
	applied := prometheus.NewCounter(prometheus.CounterOpts{Name: "bookmart_restore_applied_total"})
	skipped := prometheus.NewCounter(prometheus.CounterOpts{Name: "bookmart_restore_skipped_total"})
	ttr := prometheus.NewGauge(prometheus.GaugeOpts{Name: "bookmart_recovery_ttr_seconds"})
	replayBytes := prometheus.NewCounter(prometheus.CounterOpts{Name: "bookmart_replay_bytes_total"})
	lastAge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "bookmart_last_manifest_age_seconds"})

	httpLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bookmart_http_request_seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})

	r.MustRegister(mutations, persistFailures, fallbacks, placed, failed, submitLatency,
		appended, appendFailed, applied, skipped, ttr, replayBytes, lastAge, httpLatency)
	return &Registry{
		reg:                r,
		CartMutations:      mutations,
		PersistFailures:    persistFailures,
		RehydrateFallbacks: fallbacks,
		OrdersPlaced:       placed,
		OrdersFailed:       failed,
		SubmitLatencySec:   submitLatency,
		ChangelogAppended:  appended,
		ChangelogFailed:    appendFailed,
		Applied:            applied,
		Skipped:            skipped,
		TTRSec:             ttr,
		ReplayBytes:        replayBytes,
		LastManifestAgeSec: lastAge,
		HTTPLatencySec:     httpLatency,
	}
}

// CartOptions hooks persist failures and rehydrate fallbacks into the
// registry.
func (r *Registry) CartOptions() []cart.Option {
	return []cart.Option{
		cart.WithPersistFailure(func(error) { r.PersistFailures.Inc() }),
		cart.WithRehydrateFallback(func(int) { r.RehydrateFallbacks.Inc() }),
	}
}

// CartObserver counts mutations by op. Its signature matches
// session.ObserverFactory.
func (r *Registry) CartObserver(string) cart.Observer {
	return func(c cart.Change, _ cart.Snapshot) {
		r.CartMutations.WithLabelValues(string(c.Op)).Inc()
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
