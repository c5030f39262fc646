// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamFrames counts decoded stream frames by result (ok, malformed).
	StreamFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamchat_stream_frames_total",
		Help: "Stream frames decoded, by result",
	}, []string{"result"})

	// StreamDeltas counts non-empty text deltas delivered to callers.
	StreamDeltas = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamchat_stream_deltas_total",
		Help: "Text deltas delivered from streams",
	})

	// Turns counts finished turns by result (ok, empty, failed, cancelled).
	Turns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamchat_turns_total",
		Help: "Chat turns by result",
	}, []string{"result"})

	// TurnDuration tracks wall time from submit to finalization.
	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "streamchat_turn_duration_seconds",
		Help:    "Chat turn duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	})

	// CacheFetches counts backend fetches made by the session cache, by kind
	// (sessions, messages) and result (ok, error).
	CacheFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamchat_cache_fetch_total",
		Help: "Session cache fetches from the backend",
	}, []string{"kind", "result"})
)

// Result maps an error to the ok/error label used by fetch counters.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
