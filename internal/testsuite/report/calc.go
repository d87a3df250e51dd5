package report

import (
	"math"
	"sort"
	"time"
)

// LatencyStats describes the distribution of dispatch latencies over
// successful dispatches.
type LatencyStats struct {
	Min               time.Duration `json:"min"`
	Max               time.Duration `json:"max"`
	Mean              time.Duration `json:"mean"`
	StandardDeviation time.Duration `json:"standardDeviation"`
	P50               time.Duration `json:"p50"`
	P95               time.Duration `json:"p95"`
	P99               time.Duration `json:"p99"`
}

func latencyStatistics(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return nil
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return &LatencyStats{
		Min:               sorted[0],
		Max:               sorted[len(sorted)-1],
		Mean:              mean(sorted),
		StandardDeviation: standardDeviation(sorted),
		P50:               percentile(sorted, 0.50),
		P95:               percentile(sorted, 0.95),
		P99:               percentile(sorted, 0.99),
	}
}

// percentile returns the q-th percentile of sorted durations using the
// nearest-rank method.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func mean(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return sum / time.Duration(len(durations))
}

func standardDeviation(durations []time.Duration) time.Duration {
	if len(durations) < 2 {
		return 0
	}
	avg := float64(mean(durations))
	var total float64
	for _, d := range durations {
		total += math.Pow(float64(d)-avg, 2)
	}
	variance := total / float64(len(durations)-1)
	return time.Duration(math.Sqrt(variance))
}
