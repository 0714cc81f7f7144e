package funnel

// RollupOptions tunes rollup construction.
type RollupOptions struct {
	// CorrectLostAtClose labels Lost deals that reached Close as "Close"
	// instead of the Close/Won marker.
	CorrectLostAtClose bool
}

type dealAcc struct {
	roll DealRollup
	seen map[int]struct{}
}

// BuildRollups folds stage rows into one rollup per deal using default options.
func BuildRollups(rows []StageRow) []DealRollup {
	return BuildRollupsWithOptions(rows, RollupOptions{})
}

// BuildRollupsWithOptions folds stage rows into one rollup per deal.
// Deals are returned in the order their first row was observed.
func BuildRollupsWithOptions(rows []StageRow, opts RollupOptions) []DealRollup {
	index := make(map[string]int)
	accs := make([]*dealAcc, 0)

	for _, r := range rows {
		i, ok := index[r.DealID]
		if !ok {
			index[r.DealID] = len(accs)
			accs = append(accs, &dealAcc{
				roll: DealRollup{
					DealID:             r.DealID,
					Rep:                r.Rep,
					Region:             r.Region,
					Segment:            r.Segment,
					SellerTenureYears:  r.SellerTenureYears,
					SellerTenureBucket: r.SellerTenureBucket,
					Outcome:            r.Outcome,
					TotalCycleTimeDays: r.StageDurationDays,
					ReachedStageMax:    r.StageOrder,
					ApprovalCount:      r.ApprovalCount,
					QuoteRevisions:     r.QuoteRevisions,
				},
				seen: map[int]struct{}{r.StageOrder: {}},
			})
			addStageTime(&accs[len(accs)-1].roll, r)
			continue
		}

		acc := accs[i]
		acc.roll.TotalCycleTimeDays += r.StageDurationDays
		acc.roll.ReachedStageMax = max(acc.roll.ReachedStageMax, r.StageOrder)
		acc.roll.ApprovalCount = max(acc.roll.ApprovalCount, r.ApprovalCount)
		acc.roll.QuoteRevisions = max(acc.roll.QuoteRevisions, r.QuoteRevisions)
		acc.seen[r.StageOrder] = struct{}{}
		addStageTime(&acc.roll, r)
	}

	out := make([]DealRollup, 0, len(accs))
	for _, acc := range accs {
		d := acc.roll
		d.StageCount = len(acc.seen)
		d.DroppedAtStage = droppedAt(d, opts)
		out = append(out, d)
	}
	return out
}

func addStageTime(d *DealRollup, r StageRow) {
	switch r.StageOrder {
	case 2:
		d.TimeInQualify += r.StageDurationDays
	case 3:
		d.TimeInOpportunity += r.StageDurationDays
	case 4:
		d.TimeInQuote += r.StageDurationDays
	}
}

func droppedAt(d DealRollup, opts RollupOptions) string {
	if d.Outcome != OutcomeLost {
		return ClosedWonMarker
	}
	if d.ReachedStageMax < 5 {
		return string(StageFromOrder(d.ReachedStageMax))
	}
	if opts.CorrectLostAtClose {
		return string(StageClose)
	}
	return ClosedWonMarker
}
