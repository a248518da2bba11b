// Prometheus metrics exporter
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter provides Prometheus metrics for the consensus daemon.
type Exporter struct {
	port   int
	server *http.Server

	BlocksConfirmed   *prometheus.CounterVec
	ForkCount         prometheus.Gauge
	MiningState       *prometheus.GaugeVec
	ConfirmationDepth prometheus.Gauge
	ReorgDepth        prometheus.Histogram
	OrphanCount       prometheus.Gauge
	MinerRPCLatency   *prometheus.HistogramVec
	PinQuorumSuccess  prometheus.Counter
	PinQuorumFailures prometheus.Counter
	RateLimitExceeded *prometheus.CounterVec
}

// NewExporter creates a new Prometheus exporter.
func NewExporter(port int) *Exporter {
	e := &Exporter{
		port: port,
		BlocksConfirmed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consensusd_blocks_confirmed_total",
				Help: "Total number of blocks promoted to the canonical chain",
			},
			[]string{"outcome"},
		),
		ForkCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "consensusd_fork_count",
				Help: "Number of competing forks currently tracked",
			},
		),
		MiningState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "consensusd_mining_state",
				Help: "Current consensus loop state (1 for the active state, 0 otherwise)",
			},
			[]string{"state"},
		),
		ConfirmationDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "consensusd_confirmation_depth",
				Help: "Configured confirmation depth threshold",
			},
		),
		ReorgDepth: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "consensusd_reorg_depth",
				Help:    "Depth of canonical reorgs when a better fork overtakes the tip",
				Buckets: prometheus.LinearBuckets(1, 1, 10),
			},
		),
		OrphanCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "consensusd_orphan_count",
				Help: "Number of blocks currently held in the orphan pool",
			},
		),
		MinerRPCLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "consensusd_miner_rpc_duration_ms",
				Help:    "MinerDriver request round-trip duration in milliseconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"op"},
		),
		PinQuorumSuccess: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "consensusd_archive_pin_quorum_success_total",
				Help: "Total successful archive pin quorum operations",
			},
		),
		PinQuorumFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "consensusd_archive_pin_quorum_failures_total",
				Help: "Total failed archive pin quorum operations",
			},
		),
		RateLimitExceeded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consensusd_rate_limit_exceeded_total",
				Help: "Total rate limit exceeded events",
			},
			[]string{"type"},
		),
	}

	prometheus.MustRegister(
		e.BlocksConfirmed,
		e.ForkCount,
		e.MiningState,
		e.ConfirmationDepth,
		e.ReorgDepth,
		e.OrphanCount,
		e.MinerRPCLatency,
		e.PinQuorumSuccess,
		e.PinQuorumFailures,
		e.RateLimitExceeded,
	)

	return e
}

// SetMiningState zeroes every known state gauge then sets only the
// active one, so Grafana dashboards can chart state transitions as a
// single time series per state label.
func (e *Exporter) SetMiningState(active string, allStates []string) {
	for _, s := range allStates {
		v := 0.0
		if s == active {
			v = 1.0
		}
		e.MiningState.WithLabelValues(s).Set(v)
	}
}

// Start starts the metrics HTTP server.
func (e *Exporter) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	e.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", e.port),
		Handler: mux,
	}

	return e.server.ListenAndServe()
}

// Shutdown gracefully shuts down the metrics server.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}
