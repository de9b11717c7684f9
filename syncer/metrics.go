package syncer

import (
	"sync"
	"time"
)

// Metrics tracks pipeline counters for the admin boundary. Latencies measure
// fill timestamp to detection.
type Metrics struct {
	mu sync.RWMutex

	FillsIngested  int64
	Duplicates     int64
	BackfillFills  int64
	ChainEvents    int64
	ChainFallbacks int64
	APIPolls       int64
	TradeIntents   int64
	SkipIntents    int64
	FailedCycles   int64

	AvgDetectionLatency time.Duration
	FastestDetection    time.Duration
	SlowestDetection    time.Duration
	LastDetectionTime   time.Time
}

// NewMetrics creates a zeroed metrics set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) recordDetection(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FillsIngested++
	m.LastDetectionTime = time.Now()
	if latency < 0 {
		return
	}
	if m.FastestDetection == 0 || latency < m.FastestDetection {
		m.FastestDetection = latency
	}
	if latency > m.SlowestDetection {
		m.SlowestDetection = latency
	}
	if m.AvgDetectionLatency == 0 {
		m.AvgDetectionLatency = latency
	} else {
		m.AvgDetectionLatency = (m.AvgDetectionLatency + latency) / 2
	}
}

func (m *Metrics) incr(field *int64) {
	m.mu.Lock()
	*field++
	m.mu.Unlock()
}

// MetricsSnapshot is a copyable view for the JSON boundary.
type MetricsSnapshot struct {
	FillsIngested  int64 `json:"fills_ingested"`
	Duplicates     int64 `json:"duplicates"`
	BackfillFills  int64 `json:"backfill_fills"`
	ChainEvents    int64 `json:"chain_events"`
	ChainFallbacks int64 `json:"chain_fallbacks"`
	APIPolls       int64 `json:"api_polls"`
	TradeIntents   int64 `json:"trade_intents"`
	SkipIntents    int64 `json:"skip_intents"`
	FailedCycles   int64 `json:"failed_cycles"`

	AvgDetectionLatencyMs int64     `json:"avg_detection_latency_ms"`
	FastestDetectionMs    int64     `json:"fastest_detection_ms"`
	SlowestDetectionMs    int64     `json:"slowest_detection_ms"`
	LastDetectionTime     time.Time `json:"last_detection_time"`
}

// Snapshot returns a consistent copy of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MetricsSnapshot{
		FillsIngested:         m.FillsIngested,
		Duplicates:            m.Duplicates,
		BackfillFills:         m.BackfillFills,
		ChainEvents:           m.ChainEvents,
		ChainFallbacks:        m.ChainFallbacks,
		APIPolls:              m.APIPolls,
		TradeIntents:          m.TradeIntents,
		SkipIntents:           m.SkipIntents,
		FailedCycles:          m.FailedCycles,
		AvgDetectionLatencyMs: m.AvgDetectionLatency.Milliseconds(),
		FastestDetectionMs:    m.FastestDetection.Milliseconds(),
		SlowestDetectionMs:    m.SlowestDetection.Milliseconds(),
		LastDetectionTime:     m.LastDetectionTime,
	}
}
