package explorer

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vinodismyname/frictionlab/internal/funnel"
)

// fixture builds deals that walk the funnel up to reach; Won deals reach Close.
func fixture(n int, segment, region string, reach int, outcome funnel.Outcome) []funnel.StageRow {
	var rows []funnel.StageRow
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%s-%d-%d", segment, region, reach, i)
		for order := 1; order <= reach; order++ {
			rows = append(rows, funnel.StageRow{
				DealID:             id,
				Stage:              funnel.StageFromOrder(order),
				StageOrder:         order,
				StageDurationDays:  float64(order),
				Rep:                "r",
				Region:             region,
				Segment:            segment,
				SellerTenureBucket: "1-3",
				Outcome:            outcome,
			})
		}
	}
	return rows
}

func stateOf(rows []funnel.StageRow, f Filters) State {
	st := emptyState()
	st.StageRows = rows
	st.Deals = funnel.BuildRollups(rows)
	st.Filters = f
	return st
}

func TestCompute_FiltersDealsAndRows(t *testing.T) {
	var rows []funnel.StageRow
	rows = append(rows, fixture(3, "SMB", "West", 5, funnel.OutcomeWon)...)
	rows = append(rows, fixture(2, "Enterprise", "East", 2, funnel.OutcomeLost)...)

	f := DefaultFilters()
	f.Segment = "Enterprise"
	v, err := Compute(context.Background(), stateOf(rows, f))
	require.NoError(t, err)

	require.Len(t, v.FilteredDeals, 2)
	require.Equal(t, 4, v.StageRowsInView)
	require.Equal(t, 2, v.CycleStats.NDeals)
	require.Zero(t, v.CycleStats.WinRate)
	require.Equal(t, 2, v.Funnel[1].ReachedCount)
	require.Zero(t, v.Funnel[2].ReachedCount)
	require.Equal(t, 2, v.StageAggs[0].N)
	require.Zero(t, v.StageAggs[4].N)
}

func TestCompute_Breakdowns(t *testing.T) {
	var rows []funnel.StageRow
	rows = append(rows, fixture(20, "SMB", "West", 2, funnel.OutcomeLost)...)
	rows = append(rows, fixture(20, "SMB", "West", 5, funnel.OutcomeWon)...)
	rows = append(rows, fixture(25, "Enterprise", "East", 5, funnel.OutcomeWon)...)
	rows = append(rows, fixture(5, "Mid", "East", 2, funnel.OutcomeLost)...)

	v, err := Compute(context.Background(), stateOf(rows, DefaultFilters()))
	require.NoError(t, err)

	require.NotNil(t, v.Breakdowns.Worst)
	require.Equal(t, funnel.StageQualify, v.Breakdowns.Worst.From)
	require.Equal(t, funnel.StageOpportunity, v.Breakdowns.Worst.To)

	// Mid has only 5 deals entering the transition and is excluded.
	require.Len(t, v.Breakdowns.BySegment, 2)
	require.Equal(t, "SMB", v.Breakdowns.BySegment[0].Group)
	require.InDelta(t, 0.5, v.Breakdowns.BySegment[0].DropPct, 1e-9)
	require.Equal(t, "Enterprise", v.Breakdowns.BySegment[1].Group)

	require.Len(t, v.Breakdowns.ByRegion, 2)
	require.Equal(t, "West", v.Breakdowns.ByRegion[0].Group)
	require.LessOrEqual(t, len(v.Insights), 6)
}

func TestCompute_EmptyState(t *testing.T) {
	v, err := Compute(context.Background(), emptyState())
	require.NoError(t, err)
	require.Empty(t, v.FilteredDeals)
	require.Empty(t, v.Insights)
	require.Nil(t, v.Breakdowns.Worst)
	require.Empty(t, v.Breakdowns.BySegment)
	require.Len(t, v.Funnel, 5)
	require.Len(t, v.Dropoffs, 4)
}

func TestCompute_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Compute(ctx, stateOf(fixture(1, "SMB", "West", 1, funnel.OutcomeWon), DefaultFilters()))
	require.ErrorIs(t, err, context.Canceled)
}
