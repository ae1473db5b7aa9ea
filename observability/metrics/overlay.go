package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type OverlayMetrics struct {
	matchIterations  *prometheus.CounterVec
	matchedVolume    *prometheus.CounterVec
	poolFallbacks    *prometheus.CounterVec
	deltaOutstanding *prometheus.GaugeVec
	liquidations     *prometheus.CounterVec
	callErrors       *prometheus.CounterVec
}

var (
	overlayOnce     sync.Once
	overlayRegistry *OverlayMetrics
)

func Overlay() *OverlayMetrics {
	overlayOnce.Do(func() {
		overlayRegistry = &OverlayMetrics{
			matchIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "overlay_match_iterations_total",
				Help: "Registry entries visited during matching, by asset and operation.",
			}, []string{"asset", "op"}),
			matchedVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "overlay_matched_volume_wei_total",
				Help: "Underlying value moved between pool and peer-to-peer tracking.",
			}, []string{"asset", "direction"}),
			poolFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "overlay_pool_fallbacks_total",
				Help: "Calls whose residual was routed to the underlying pool.",
			}, []string{"asset", "op"}),
			deltaOutstanding: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "overlay_delta_pool_units",
				Help: "Pool units held or owed by the protocol to back unmatched peer-to-peer positions.",
			}, []string{"asset", "side"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "overlay_liquidations_total",
				Help: "Executed liquidations by borrowed asset.",
			}, []string{"asset"}),
			callErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "overlay_call_errors_total",
				Help: "Failed engine calls by operation.",
			}, []string{"op"}),
		}
		prometheus.MustRegister(
			overlayRegistry.matchIterations,
			overlayRegistry.matchedVolume,
			overlayRegistry.poolFallbacks,
			overlayRegistry.deltaOutstanding,
			overlayRegistry.liquidations,
			overlayRegistry.callErrors,
		)
	})
	return overlayRegistry
}

func (m *OverlayMetrics) ObserveMatchIterations(asset, op string, visited uint64) {
	if m == nil || visited == 0 {
		return
	}
	m.matchIterations.WithLabelValues(asset, op).Add(float64(visited))
}

func (m *OverlayMetrics) ObserveMatchedVolume(asset, direction string, wei float64) {
	if m == nil {
		return
	}
	m.matchedVolume.WithLabelValues(asset, direction).Add(wei)
}

func (m *OverlayMetrics) RecordPoolFallback(asset, op string) {
	if m == nil {
		return
	}
	m.poolFallbacks.WithLabelValues(asset, op).Inc()
}

func (m *OverlayMetrics) SetDelta(asset, side string, units float64) {
	if m == nil {
		return
	}
	m.deltaOutstanding.WithLabelValues(asset, side).Set(units)
}

func (m *OverlayMetrics) RecordLiquidation(asset string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(asset).Inc()
}

func (m *OverlayMetrics) RecordCallError(op string) {
	if m == nil {
		return
	}
	m.callErrors.WithLabelValues(op).Inc()
}
