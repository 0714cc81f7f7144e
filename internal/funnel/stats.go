package funnel

import (
	"math"
	"sort"
)

// Quantile returns the linearly interpolated q-quantile of an ascending slice.
// The position is (n-1)*q; when no upper neighbor exists the floor element is returned.
func Quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := float64(len(sorted)-1) * q
	base := int(math.Floor(pos))
	if base < 0 {
		base = 0
	}
	if base >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	rest := pos - float64(base)
	return sorted[base] + rest*(sorted[base+1]-sorted[base])
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// StageAggregates computes n, mean, median and p75 of stage durations for each canonical stage.
// Stages without rows report zeros.
func StageAggregates(rows []StageRow) []StageAgg {
	byStage := make(map[Stage][]float64, len(Stages))
	for _, r := range rows {
		byStage[r.Stage] = append(byStage[r.Stage], r.StageDurationDays)
	}

	out := make([]StageAgg, 0, len(Stages))
	for _, info := range Stages {
		vals := append([]float64(nil), byStage[info.Stage]...)
		sort.Float64s(vals)
		agg := StageAgg{Stage: info.Stage, Order: info.Order, N: len(vals)}
		if len(vals) > 0 {
			agg.Avg = mean(vals)
			agg.Median = Quantile(vals, 0.5)
			agg.P75 = Quantile(vals, 0.75)
		}
		out = append(out, agg)
	}
	return out
}

// ComputeCycleStats summarizes win rate and total cycle time across deals.
func ComputeCycleStats(deals []DealRollup) CycleStats {
	n := len(deals)
	if n == 0 {
		return CycleStats{}
	}
	won := 0
	times := make([]float64, 0, n)
	for _, d := range deals {
		if d.Won() {
			won++
		}
		times = append(times, d.TotalCycleTimeDays)
	}
	sort.Float64s(times)
	return CycleStats{
		NDeals:               n,
		WinRate:              float64(won) / float64(n),
		AvgTotalCycleTime:    mean(times),
		MedianTotalCycleTime: Quantile(times, 0.5),
	}
}
