// Package metrics exposes collector and connection health as Prometheus
// metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chaz8081/enose-collector/internal/ble"
)

// Metrics implements ble.Observer and collector.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	scans       prometheus.Counter
	transitions *prometheus.CounterVec
	state       *prometheus.GaugeVec
	dropped     *prometheus.CounterVec
	written     prometheus.Counter
	sinkErrors  prometheus.Counter
	lastRecord  prometheus.Gauge

	now func() time.Time
}

var allStates = []ble.State{ble.Idle, ble.Scanning, ble.Connecting, ble.Subscribed, ble.Disconnected}

// New registers the collectors on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		scans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enose_scan_attempts_total",
			Help: "Scans started for the e-nose device.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enose_connection_transitions_total",
			Help: "Connection state transitions by target state.",
		}, []string{"to"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "enose_connection_state",
			Help: "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enose_packets_dropped_total",
			Help: "Notifications rejected by the decoder.",
		}, []string{"reason"}),
		written: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enose_records_written_total",
			Help: "Records appended to the sink.",
		}),
		sinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enose_sink_errors_total",
			Help: "Records lost to sink write failures.",
		}),
		lastRecord: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "enose_last_record_timestamp_seconds",
			Help: "Unix time of the last stored record.",
		}),
		now: time.Now,
	}
	reg.MustRegister(m.scans, m.transitions, m.state, m.dropped, m.written, m.sinkErrors, m.lastRecord)

	for _, s := range allStates {
		m.state.WithLabelValues(s.String()).Set(0)
	}
	m.state.WithLabelValues(ble.Idle.String()).Set(1)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) StateChanged(from, to ble.State) {
	if to == ble.Scanning {
		m.scans.Inc()
	}
	m.transitions.WithLabelValues(to.String()).Inc()
	m.state.WithLabelValues(from.String()).Set(0)
	m.state.WithLabelValues(to.String()).Set(1)
}

func (m *Metrics) PacketDropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordWritten() {
	m.written.Inc()
	m.lastRecord.Set(float64(m.now().UnixNano()) / 1e9)
}

func (m *Metrics) SinkFailed() {
	m.sinkErrors.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Listen opens the TCP listener for the metrics endpoint. Call it at startup
// so a bad or busy address is reported before collection begins.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Serve exposes /metrics on ln until ctx is done. It closes ln.
func (m *Metrics) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[METRICS] listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
