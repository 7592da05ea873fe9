package model

import "time"

// Metrics is a point-in-time snapshot of run progress carried inside
// progress envelopes. It is a value object: each new snapshot fully
// replaces the previous one, no sub-field merging.
//
// SuccessRate is a 0..100 percentage, never a 0..1 fraction. Producers
// must build snapshots through ComputeMetrics, which enforces this.
type Metrics struct {
	Total           int     `json:"total"`
	Completed       int     `json:"completed"`
	Successful      int     `json:"successful"`
	Failed          int     `json:"failed"`
	SuccessRate     float64 `json:"successRate"`
	CurrentStrategy string  `json:"currentStrategy,omitempty"`
	CurrentSeed     string  `json:"currentSeed,omitempty"`
	ElapsedTime     int     `json:"elapsedTime"`
}

// ComputeMetrics builds a Metrics snapshot from raw counters. The success
// rate is normalized to a percentage of completed units; zero completed
// yields 0.
func ComputeMetrics(total, completed, successful, failed int, strategy, seed string, elapsed time.Duration) Metrics {
	rate := 0.0
	if completed > 0 {
		rate = float64(successful) / float64(completed) * 100
	}
	return Metrics{
		Total:           total,
		Completed:       completed,
		Successful:      successful,
		Failed:          failed,
		SuccessRate:     rate,
		CurrentStrategy: strategy,
		CurrentSeed:     seed,
		ElapsedTime:     int(elapsed.Seconds()),
	}
}

// ValidRate reports whether the snapshot's success rate is inside the
// documented 0..100 range.
func (m Metrics) ValidRate() bool {
	return m.SuccessRate >= 0 && m.SuccessRate <= 100
}
