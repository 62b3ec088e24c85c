package pty

import (
	"github.com/rcrowley/go-metrics"
)

// Stats is a snapshot of per-session traffic counters.
type Stats struct {
	InputBytes     int64   `json:"input_bytes"`
	OutputBytes    int64   `json:"output_bytes"`
	OutputChunks   int64   `json:"output_chunks"`
	OutputRate1    float64 `json:"output_rate_1m"`
	ViewersEvicted int64   `json:"viewers_evicted"`
}

type sessionMetrics struct {
	registry       metrics.Registry
	inputBytes     metrics.Counter
	outputBytes    metrics.Counter
	outputChunks   metrics.Meter
	viewersEvicted metrics.Counter
}

func newSessionMetrics() *sessionMetrics {
	r := metrics.NewRegistry()
	return &sessionMetrics{
		registry:       r,
		inputBytes:     metrics.NewRegisteredCounter("input.bytes", r),
		outputBytes:    metrics.NewRegisteredCounter("output.bytes", r),
		outputChunks:   metrics.NewRegisteredMeter("output.chunks", r),
		viewersEvicted: metrics.NewRegisteredCounter("viewers.evicted", r),
	}
}

func (m *sessionMetrics) snapshot() Stats {
	chunks := m.outputChunks.Snapshot()
	return Stats{
		InputBytes:     m.inputBytes.Count(),
		OutputBytes:    m.outputBytes.Count(),
		OutputChunks:   chunks.Count(),
		OutputRate1:    chunks.Rate1(),
		ViewersEvicted: m.viewersEvicted.Count(),
	}
}

// stop detaches the meter from the global rate arbiter.
func (m *sessionMetrics) stop() {
	m.outputChunks.Stop()
}
