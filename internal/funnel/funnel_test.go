package funnel

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func row(deal string, order int, days float64, outcome Outcome) StageRow {
	return StageRow{
		DealID:             deal,
		Stage:              StageFromOrder(order),
		StageOrder:         order,
		StageDurationDays:  days,
		Rep:                "rep-1",
		Region:             "West",
		Segment:            "SMB",
		SellerTenureYears:  2,
		SellerTenureBucket: "1-3",
		ApprovalCount:      1,
		QuoteRevisions:     0,
		Outcome:            outcome,
	}
}

// dealReaching returns stage rows for a deal that progressed through order 1..reached.
func dealReaching(id string, reached int, outcome Outcome) []StageRow {
	var rows []StageRow
	for o := 1; o <= reached; o++ {
		rows = append(rows, row(id, o, float64(o), outcome))
	}
	return rows
}

func TestQuantile(t *testing.T) {
	xs := []float64{1, 2, 3, 4}
	require.InDelta(t, 2.5, Quantile(xs, 0.5), 1e-12)
	require.InDelta(t, 3.25, Quantile(xs, 0.75), 1e-12)
	require.Equal(t, 7.0, Quantile([]float64{7}, 0.5))
	require.Equal(t, 7.0, Quantile([]float64{7}, 0.75))
	require.Equal(t, 0.0, Quantile(nil, 0.5))
	require.Equal(t, 4.0, Quantile(xs, 1))
}

func TestBuildRollups_FoldsRows(t *testing.T) {
	a1 := row("A", 1, 2, OutcomeLost)
	a3 := row("A", 3, 5, OutcomeLost)
	a3.ApprovalCount = 4
	a3.QuoteRevisions = 2
	a3.Rep = "someone-else"

	deals := BuildRollups([]StageRow{a1, a3})
	require.Len(t, deals, 1)
	d := deals[0]
	require.Equal(t, 7.0, d.TotalCycleTimeDays)
	require.Equal(t, 3, d.ReachedStageMax)
	require.Equal(t, 2, d.StageCount)
	require.Equal(t, 4, d.ApprovalCount)
	require.Equal(t, 2, d.QuoteRevisions)
	require.Equal(t, 5.0, d.TimeInOpportunity)
	require.Equal(t, 0.0, d.TimeInQualify)
	require.Equal(t, "rep-1", d.Rep, "descriptive fields come from the first row")
	require.Equal(t, string(StageOpportunity), d.DroppedAtStage)
}

func TestBuildRollups_StageCountDistinct(t *testing.T) {
	rows := []StageRow{row("A", 2, 1, OutcomeWon), row("A", 2, 3, OutcomeWon), row("A", 1, 1, OutcomeWon)}
	d := BuildRollups(rows)[0]
	require.Equal(t, 2, d.StageCount)
	require.Equal(t, 4.0, d.TimeInQualify)
	require.Equal(t, ClosedWonMarker, d.DroppedAtStage)
}

func TestBuildRollups_SingleRowAndOrder(t *testing.T) {
	rows := []StageRow{row("B", 1, 1, OutcomeWon), row("A", 1, 1, OutcomeWon), row("B", 2, 1, OutcomeWon)}
	deals := BuildRollups(rows)
	require.Len(t, deals, 2)
	require.Equal(t, "B", deals[0].DealID)
	require.Equal(t, "A", deals[1].DealID)
	require.Equal(t, 1, deals[1].StageCount)
	require.Empty(t, BuildRollups(nil))
}

func TestBuildRollups_LostAtClose(t *testing.T) {
	rows := dealReaching("L", 5, OutcomeLost)
	require.Equal(t, ClosedWonMarker, BuildRollups(rows)[0].DroppedAtStage)

	corrected := BuildRollupsWithOptions(rows, RollupOptions{CorrectLostAtClose: true})
	require.Equal(t, string(StageClose), corrected[0].DroppedAtStage)
}

func TestStageAggregates(t *testing.T) {
	rows := []StageRow{
		row("A", 1, 1, OutcomeWon),
		row("B", 1, 2, OutcomeWon),
		row("C", 1, 3, OutcomeWon),
		row("D", 1, 4, OutcomeWon),
		row("A", 2, 10, OutcomeWon),
	}
	aggs := StageAggregates(rows)
	require.Len(t, aggs, 5)
	require.Equal(t, StageLead, aggs[0].Stage)
	require.Equal(t, 4, aggs[0].N)
	require.InDelta(t, 2.5, aggs[0].Avg, 1e-12)
	require.InDelta(t, 2.5, aggs[0].Median, 1e-12)
	require.InDelta(t, 3.25, aggs[0].P75, 1e-12)
	require.Equal(t, 1, aggs[1].N)
	require.Equal(t, 10.0, aggs[1].Median)
	require.Equal(t, StageAgg{Stage: StageClose, Order: 5}, aggs[4])
}

func TestComputeCycleStats(t *testing.T) {
	require.Equal(t, CycleStats{}, ComputeCycleStats(nil))

	deals := []DealRollup{
		{Outcome: OutcomeWon, TotalCycleTimeDays: 10},
		{Outcome: OutcomeLost, TotalCycleTimeDays: 20},
		{Outcome: OutcomeLost, TotalCycleTimeDays: 60},
		{Outcome: OutcomeWon, TotalCycleTimeDays: 30},
	}
	cs := ComputeCycleStats(deals)
	require.Equal(t, 4, cs.NDeals)
	require.InDelta(t, 0.5, cs.WinRate, 1e-12)
	require.InDelta(t, 30, cs.AvgTotalCycleTime, 1e-12)
	require.InDelta(t, 25, cs.MedianTotalCycleTime, 1e-12)
}

func TestFunnelAndDropoffs(t *testing.T) {
	var rows []StageRow
	rows = append(rows, dealReaching("A", 5, OutcomeWon)...)
	rows = append(rows, dealReaching("B", 3, OutcomeLost)...)
	rows = append(rows, dealReaching("C", 1, OutcomeLost)...)
	rows = append(rows, dealReaching("D", 5, OutcomeWon)...)
	deals := BuildRollups(rows)

	fp := ComputeFunnel(deals)
	require.Len(t, fp, 5)
	require.Equal(t, []int{4, 3, 3, 2, 2}, []int{fp[0].ReachedCount, fp[1].ReachedCount, fp[2].ReachedCount, fp[3].ReachedCount, fp[4].ReachedCount})
	for i := 1; i < len(fp); i++ {
		require.LessOrEqual(t, fp[i].ReachedCount, fp[i-1].ReachedCount)
	}
	require.InDelta(t, 0.75, fp[1].ReachedPct, 1e-12)

	dp := ComputeDropoffs(deals)
	require.Len(t, dp, 4)
	for _, d := range dp {
		require.GreaterOrEqual(t, d.DropPct, 0.0)
		require.LessOrEqual(t, d.DropPct, 1.0)
	}
	require.InDelta(t, 0.25, dp[0].DropPct, 1e-12)
	require.InDelta(t, 0.0, dp[1].DropPct, 1e-12)
	require.InDelta(t, 1.0/3.0, dp[2].DropPct, 1e-12)

	worst, ok := WorstDropoff(dp)
	require.True(t, ok)
	require.Equal(t, StageOpportunity, worst.From)
	require.Equal(t, StageQuote, worst.To)
}

func TestFunnel_Empty(t *testing.T) {
	fp := ComputeFunnel(nil)
	require.Len(t, fp, 5)
	for _, p := range fp {
		require.Zero(t, p.ReachedCount)
		require.Zero(t, p.ReachedPct)
	}
	dp := ComputeDropoffs(nil)
	require.Len(t, dp, 4)
	_, ok := WorstDropoff(dp)
	require.False(t, ok)
}

func TestDropoffBreakdown(t *testing.T) {
	var deals []DealRollup
	add := func(segment string, n, reached int) {
		for i := 0; i < n; i++ {
			deals = append(deals, DealRollup{
				DealID:          fmt.Sprintf("%s-%d-%d", segment, reached, i),
				Segment:         segment,
				Region:          "West",
				ReachedStageMax: reached,
			})
		}
	}
	// Enterprise: 20 enter Qualify, 10 go on.
	add("Enterprise", 10, 2)
	add("Enterprise", 10, 3)
	// SMB: 25 enter, 20 go on.
	add("SMB", 5, 2)
	add("SMB", 20, 3)
	// Tiny group is excluded.
	add("Gov", 5, 2)

	worst := DropoffPoint{From: StageQualify, To: StageOpportunity, FromOrder: 2, ToOrder: 3}
	rows := DropoffBreakdown(deals, worst, GroupBySegment)
	require.Len(t, rows, 2)
	require.Equal(t, "Enterprise", rows[0].Group)
	require.InDelta(t, 0.5, rows[0].DropPct, 1e-12)
	require.Equal(t, "SMB", rows[1].Group)
	require.Equal(t, 25, rows[1].FromCount)

	byRegion := DropoffBreakdown(deals, worst, GroupByRegion)
	require.Len(t, byRegion, 1)
	require.Equal(t, 50, byRegion[0].FromCount)
}

func TestStageOrderLookup(t *testing.T) {
	o, ok := OrderOf(StageQuote)
	require.True(t, ok)
	require.Equal(t, 4, o)
	_, ok = OrderOf(Stage("Nope"))
	require.False(t, ok)
	require.Equal(t, StageLead, StageFromOrder(9))
}
