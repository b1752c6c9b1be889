// Package metrics exposes the keeper's observability surface. A Recorder
// is injected into the components that produce measurements so tests can
// assert against a stub without a live exporter; the prometheus-backed
// implementation serves /metrics over HTTP.
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "market_maker"

// Recorder receives the keeper's measurements.
type Recorder interface {
	// RequestLatency records one CLOB REST call.
	RequestLatency(method, status string, elapsed time.Duration)
	// OrderPlaced counts an order accepted by the exchange.
	OrderPlaced(side, token string)
	// OrderFilled counts a detected fill and its latency since placement.
	OrderFilled(side, token string, sincePlacement time.Duration)
	// Balance records the current balance of one asset.
	Balance(asset string, amount float64)
}

// Nop discards all measurements.
type Nop struct{}

func (Nop) RequestLatency(string, string, time.Duration) {}
func (Nop) OrderPlaced(string, string)                   {}
func (Nop) OrderFilled(string, string, time.Duration)    {}
func (Nop) Balance(string, float64)                      {}

// Prom records into prometheus collectors.
type Prom struct {
	requestLatency *prometheus.HistogramVec
	ordersPlaced   *prometheus.CounterVec
	orderFills     *prometheus.CounterVec
	fillLatency    *prometheus.HistogramVec
	balance        *prometheus.GaugeVec
}

// NewProm registers the keeper's collectors on a registry (pass nil for
// the default registry).
func NewProm(reg prometheus.Registerer) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prom{
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "clob_requests_latency",
			Help:      "Latency of the clob requests",
		}, []string{"method", "status"}),
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Total number of orders sent to the exchange",
		}, []string{"side", "token"}),
		orderFills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_fills_total",
			Help:      "Total number of orders filled",
		}, []string{"side", "token"}),
		fillLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_fill_latency_seconds",
			Help:      "Time from placement to confirmed fill",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"side", "token"}),
		balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balance_amount",
			Help:      "Balance of the keeper",
		}, []string{"asset"}),
	}
	reg.MustRegister(p.requestLatency, p.ordersPlaced, p.orderFills, p.fillLatency, p.balance)
	return p
}

func (p *Prom) RequestLatency(method, status string, elapsed time.Duration) {
	p.requestLatency.WithLabelValues(method, status).Observe(elapsed.Seconds())
}

func (p *Prom) OrderPlaced(side, token string) {
	p.ordersPlaced.WithLabelValues(side, token).Inc()
}

func (p *Prom) OrderFilled(side, token string, sincePlacement time.Duration) {
	p.orderFills.WithLabelValues(side, token).Inc()
	p.fillLatency.WithLabelValues(side, token).Observe(sincePlacement.Seconds())
}

func (p *Prom) Balance(asset string, amount float64) {
	p.balance.WithLabelValues(asset).Set(amount)
}

// Serve starts the /metrics HTTP endpoint in a background goroutine.
func Serve(port int, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
