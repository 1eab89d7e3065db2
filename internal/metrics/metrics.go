// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the coordinator's outbound stats sinks
// (quota.Sink, timers.SessionsSink) as Prometheus collectors.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/tetherd/internal/offload/quota"
)

// Metrics holds the coordinator's Prometheus collectors.
type Metrics struct {
	ActiveSessionsPeak prometheus.Gauge
	AlertsFired        prometheus.Counter

	IfaceRxBytes   *prometheus.CounterVec
	IfaceTxBytes   *prometheus.CounterVec
	IfaceRxPackets *prometheus.CounterVec
	IfaceTxPackets *prometheus.CounterVec
	IfaceErrors    *prometheus.CounterVec

	UIDRxBytes *prometheus.CounterVec
	UIDTxBytes *prometheus.CounterVec
}

// New creates an unregistered Metrics collector set.
func New() *Metrics {
	return &Metrics{
		ActiveSessionsPeak: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tetherd_active_sessions_peak",
			Help: "Peak number of active offloaded IPv4 sessions since the last upload window.",
		}),
		AlertsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tetherd_quota_alerts_fired_total",
			Help: "Total number of times the global data-usage alert threshold was crossed.",
		}),
		IfaceRxBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tetherd_iface_rx_bytes_total",
			Help: "Bytes received on an offloaded upstream interface.",
		}, []string{"iface"}),
		IfaceTxBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tetherd_iface_tx_bytes_total",
			Help: "Bytes transmitted on an offloaded upstream interface.",
		}, []string{"iface"}),
		IfaceRxPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tetherd_iface_rx_packets_total",
			Help: "Packets received on an offloaded upstream interface.",
		}, []string{"iface"}),
		IfaceTxPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tetherd_iface_tx_packets_total",
			Help: "Packets transmitted on an offloaded upstream interface.",
		}, []string{"iface"}),
		IfaceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tetherd_iface_errors_total",
			Help: "Rx/Tx errors recorded on an offloaded upstream interface.",
		}, []string{"iface", "direction"}),
		UIDRxBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tetherd_uid_rx_bytes_total",
			Help: "Bytes received, attributed to a synthetic tethering uid on an interface.",
		}, []string{"iface", "uid"}),
		UIDTxBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tetherd_uid_tx_bytes_total",
			Help: "Bytes transmitted, attributed to a synthetic tethering uid on an interface.",
		}, []string{"iface", "uid"}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.ActiveSessionsPeak, m.AlertsFired,
		m.IfaceRxBytes, m.IfaceTxBytes, m.IfaceRxPackets, m.IfaceTxPackets, m.IfaceErrors,
		m.UIDRxBytes, m.UIDTxBytes,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// NotifyStatsUpdated implements quota.Sink, exporting the per-interval
// deltas reported by the stats poll task (C9).
func (m *Metrics) NotifyStatsUpdated(perIface map[uint32]quota.Delta, perUID map[quota.IfaceUID]quota.Delta) {
	for iface, d := range perIface {
		label := strconv.FormatUint(uint64(iface), 10)
		m.IfaceRxBytes.WithLabelValues(label).Add(float64(d.RxBytes))
		m.IfaceTxBytes.WithLabelValues(label).Add(float64(d.TxBytes))
		m.IfaceRxPackets.WithLabelValues(label).Add(float64(d.RxPackets))
		m.IfaceTxPackets.WithLabelValues(label).Add(float64(d.TxPackets))
		m.IfaceErrors.WithLabelValues(label, "rx").Add(float64(d.RxErrors))
		m.IfaceErrors.WithLabelValues(label, "tx").Add(float64(d.TxErrors))
	}
	for key, d := range perUID {
		ifaceLabel := strconv.FormatUint(uint64(key.Iface), 10)
		uidLabel := strconv.FormatUint(uint64(key.UID), 10)
		m.UIDRxBytes.WithLabelValues(ifaceLabel, uidLabel).Add(float64(d.RxBytes))
		m.UIDTxBytes.WithLabelValues(ifaceLabel, uidLabel).Add(float64(d.TxBytes))
	}
}

// NotifyAlertReached implements quota.Sink.
func (m *Metrics) NotifyAlertReached() {
	m.AlertsFired.Inc()
}

// NotifyActiveSessionsPeak implements timers.SessionsSink.
func (m *Metrics) NotifyActiveSessionsPeak(peak int) {
	m.ActiveSessionsPeak.Set(float64(peak))
}
