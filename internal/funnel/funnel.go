package funnel

import (
	"sort"

	"github.com/vinodismyname/frictionlab/config"
)

func reachedAtLeast(deals []DealRollup, order int) int {
	n := 0
	for _, d := range deals {
		if d.ReachedStageMax >= order {
			n++
		}
	}
	return n
}

func dropFraction(from, to int) float64 {
	if from == 0 {
		return 0
	}
	return max(0, float64(from-to)/float64(from))
}

// ComputeFunnel returns, per canonical stage, how many deals reached at least that stage.
func ComputeFunnel(deals []DealRollup) []FunnelPoint {
	total := len(deals)
	out := make([]FunnelPoint, 0, len(Stages))
	for _, info := range Stages {
		reached := reachedAtLeast(deals, info.Order)
		p := FunnelPoint{Stage: info.Stage, Order: info.Order, ReachedCount: reached}
		if total > 0 {
			p.ReachedPct = float64(reached) / float64(total)
		}
		out = append(out, p)
	}
	return out
}

// ComputeDropoffs returns the fractional loss between each pair of adjacent stages.
func ComputeDropoffs(deals []DealRollup) []DropoffPoint {
	out := make([]DropoffPoint, 0, len(Stages)-1)
	for i := 0; i < len(Stages)-1; i++ {
		from, to := Stages[i], Stages[i+1]
		fromCount := reachedAtLeast(deals, from.Order)
		toCount := reachedAtLeast(deals, to.Order)
		out = append(out, DropoffPoint{
			From:      from.Stage,
			To:        to.Stage,
			FromOrder: from.Order,
			ToOrder:   to.Order,
			FromCount: fromCount,
			ToCount:   toCount,
			DropPct:   dropFraction(fromCount, toCount),
		})
	}
	return out
}

// WorstDropoff returns the transition with the highest drop among those with deals entering it.
// Ties keep the earliest transition.
func WorstDropoff(dropoffs []DropoffPoint) (DropoffPoint, bool) {
	var worst DropoffPoint
	found := false
	for _, d := range dropoffs {
		if d.FromCount == 0 {
			continue
		}
		if !found || d.DropPct > worst.DropPct {
			worst = d
			found = true
		}
	}
	return worst, found
}

// GroupBy selects the deal attribute used to split a breakdown.
type GroupBy string

const (
	GroupBySegment GroupBy = "segment"
	GroupByRegion  GroupBy = "region"
)

func (g GroupBy) key(d DealRollup) string {
	if g == GroupByRegion {
		return d.Region
	}
	return d.Segment
}

// DropoffBreakdown splits the given transition by segment or region.
// Groups with fewer than 20 deals entering the transition are omitted; at most 6 groups
// are returned, highest drop first.
func DropoffBreakdown(deals []DealRollup, worst DropoffPoint, by GroupBy) []BreakdownRow {
	groups := make(map[string][]DealRollup)
	for _, d := range deals {
		k := by.key(d)
		groups[k] = append(groups[k], d)
	}

	rows := make([]BreakdownRow, 0, len(groups))
	for g, ds := range groups {
		fromCount := reachedAtLeast(ds, worst.FromOrder)
		if fromCount < config.DefaultBreakdownMinFromCount {
			continue
		}
		toCount := reachedAtLeast(ds, worst.ToOrder)
		rows = append(rows, BreakdownRow{
			Group:     g,
			FromCount: fromCount,
			ToCount:   toCount,
			DropPct:   dropFraction(fromCount, toCount),
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].DropPct != rows[j].DropPct {
			return rows[i].DropPct > rows[j].DropPct
		}
		return rows[i].Group < rows[j].Group
	})
	if len(rows) > config.DefaultBreakdownMaxGroups {
		rows = rows[:config.DefaultBreakdownMaxGroups]
	}
	return rows
}
