package explorer

import (
	"context"

	"github.com/vinodismyname/frictionlab/internal/funnel"
	"github.com/vinodismyname/frictionlab/internal/insights"
	"golang.org/x/sync/errgroup"
)

// Breakdowns splits the worst transition by segment and by region.
type Breakdowns struct {
	Worst     *funnel.DropoffPoint  `json:"worst"`
	BySegment []funnel.BreakdownRow `json:"by_segment"`
	ByRegion  []funnel.BreakdownRow `json:"by_region"`
}

// View is every aggregate derived from the filtered slice of a State.
type View struct {
	Filters         Filters                `json:"filters"`
	FilteredDeals   []funnel.DealRollup    `json:"-"`
	FilteredRows    []funnel.StageRow      `json:"-"`
	StageRowsInView int                    `json:"stage_rows_in_view"`
	CycleStats      funnel.CycleStats      `json:"cycle_stats"`
	StageAggs       []funnel.StageAgg      `json:"stage_aggregates"`
	Funnel          []funnel.FunnelPoint   `json:"funnel"`
	Dropoffs        []funnel.DropoffPoint  `json:"dropoffs"`
	Breakdowns      Breakdowns             `json:"breakdowns"`
	Insights        []insights.InsightCard `json:"insights"`
}

// FilterDeals keeps the deals matching f in their original order.
func FilterDeals(deals []funnel.DealRollup, f Filters) []funnel.DealRollup {
	out := make([]funnel.DealRollup, 0, len(deals))
	for _, d := range deals {
		if f.Match(d) {
			out = append(out, d)
		}
	}
	return out
}

// FilterRows keeps the stage rows whose deal survived filtering.
func FilterRows(rows []funnel.StageRow, deals []funnel.DealRollup) []funnel.StageRow {
	ids := make(map[string]struct{}, len(deals))
	for _, d := range deals {
		ids[d.DealID] = struct{}{}
	}
	out := make([]funnel.StageRow, 0, len(rows))
	for _, r := range rows {
		if _, ok := ids[r.DealID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Compute derives the view for a snapshot. The independent aggregates run
// concurrently over the shared read-only slices; insights and breakdowns
// follow once they are all available.
func Compute(ctx context.Context, st State) (View, error) {
	v := View{Filters: st.Filters}
	v.FilteredDeals = FilterDeals(st.Deals, st.Filters)
	v.FilteredRows = FilterRows(st.StageRows, v.FilteredDeals)
	v.StageRowsInView = len(v.FilteredRows)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v.StageAggs = funnel.StageAggregates(v.FilteredRows)
		return gctx.Err()
	})
	g.Go(func() error {
		v.CycleStats = funnel.ComputeCycleStats(v.FilteredDeals)
		return gctx.Err()
	})
	g.Go(func() error {
		v.Funnel = funnel.ComputeFunnel(v.FilteredDeals)
		return gctx.Err()
	})
	g.Go(func() error {
		v.Dropoffs = funnel.ComputeDropoffs(v.FilteredDeals)
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return View{}, err
	}

	v.Insights = insights.Generate(insights.Input{
		Deals:     v.FilteredDeals,
		StageAggs: v.StageAggs,
		Funnel:    v.Funnel,
		Dropoffs:  v.Dropoffs,
	})

	v.Breakdowns = Breakdowns{BySegment: []funnel.BreakdownRow{}, ByRegion: []funnel.BreakdownRow{}}
	if worst, ok := funnel.WorstDropoff(v.Dropoffs); ok {
		v.Breakdowns.Worst = &worst
		v.Breakdowns.BySegment = funnel.DropoffBreakdown(v.FilteredDeals, worst, funnel.GroupBySegment)
		v.Breakdowns.ByRegion = funnel.DropoffBreakdown(v.FilteredDeals, worst, funnel.GroupByRegion)
	}
	return v, nil
}
