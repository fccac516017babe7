package security

import (
	"math"
	"sort"
	"time"
)

// PatternStats describes the spacing of a client's recent violations.
type PatternStats struct {
	Samples int
	Mean    time.Duration
	StdDev  time.Duration
}

// DetectAutomation flags request timings too regular and too fast to be human.
// Humans clicking jitter well above 100ms between clicks.
func DetectAutomation(samples []time.Time, p Policy) (PatternStats, bool) {
	stats := PatternStats{Samples: len(samples)}
	if len(samples) < p.PatternMinSamples || len(samples) < 2 {
		return stats, false
	}

	ts := make([]time.Time, len(samples))
	copy(ts, samples)
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })

	intervals := make([]float64, 0, len(ts)-1)
	var sum float64
	for i := 1; i < len(ts); i++ {
		d := float64(ts[i].Sub(ts[i-1]))
		intervals = append(intervals, d)
		sum += d
	}
	mean := sum / float64(len(intervals))

	var sq float64
	for _, d := range intervals {
		sq += (d - mean) * (d - mean)
	}
	stddev := math.Sqrt(sq / float64(len(intervals)))

	stats.Mean = time.Duration(mean)
	stats.StdDev = time.Duration(stddev)
	return stats, stats.StdDev < p.PatternMaxStdDev && stats.Mean < p.PatternMaxMean
}
