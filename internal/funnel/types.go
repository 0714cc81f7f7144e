package funnel

// Stage is one of the five canonical sales-funnel stage labels.
type Stage string

const (
	StageLead        Stage = "Lead"
	StageQualify     Stage = "Qualify"
	StageOpportunity Stage = "Opportunity"
	StageQuote       Stage = "Quote"
	StageClose       Stage = "Close"
)

// ClosedWonMarker labels deals that did not drop out before Close.
const ClosedWonMarker = "Close/Won"

// StageInfo pairs a stage label with its canonical 1-based order.
type StageInfo struct {
	Stage Stage `json:"stage"`
	Order int   `json:"stage_order"`
}

// Stages lists the canonical stages in funnel order.
var Stages = [...]StageInfo{
	{Stage: StageLead, Order: 1},
	{Stage: StageQualify, Order: 2},
	{Stage: StageOpportunity, Order: 3},
	{Stage: StageQuote, Order: 4},
	{Stage: StageClose, Order: 5},
}

// OrderOf returns the canonical order of a stage label.
func OrderOf(s Stage) (int, bool) {
	for _, info := range Stages {
		if info.Stage == s {
			return info.Order, true
		}
	}
	return 0, false
}

// StageFromOrder resolves an order to its label; unknown orders resolve to Lead.
func StageFromOrder(order int) Stage {
	for _, info := range Stages {
		if info.Order == order {
			return info.Stage
		}
	}
	return StageLead
}

// Outcome is the terminal result of a deal.
type Outcome string

const (
	OutcomeWon  Outcome = "Won"
	OutcomeLost Outcome = "Lost"
)

// StageRow is one validated stage-level observation of a deal.
type StageRow struct {
	DealID             string  `json:"deal_id" validate:"required"`
	Stage              Stage   `json:"stage" validate:"required,stage_label"`
	StageOrder         int     `json:"stage_order" validate:"min=1,max=5,stage_order"`
	StageDurationDays  float64 `json:"stage_duration_days" validate:"gte=0"`
	Rep                string  `json:"rep" validate:"required"`
	Region             string  `json:"region" validate:"required"`
	Segment            string  `json:"segment" validate:"required"`
	SellerTenureYears  float64 `json:"seller_tenure_years" validate:"gte=0"`
	SellerTenureBucket string  `json:"seller_tenure_bucket" validate:"required"`
	ApprovalCount      int     `json:"approval_count" validate:"gte=0"`
	QuoteRevisions     int     `json:"quote_revisions" validate:"gte=0"`
	Outcome            Outcome `json:"outcome" validate:"required,oneof=Won Lost"`
}

// DealRollup summarizes every stage row of a single deal.
type DealRollup struct {
	DealID             string  `json:"deal_id"`
	Rep                string  `json:"rep"`
	Region             string  `json:"region"`
	Segment            string  `json:"segment"`
	SellerTenureYears  float64 `json:"seller_tenure_years"`
	SellerTenureBucket string  `json:"seller_tenure_bucket"`
	Outcome            Outcome `json:"outcome"`

	TotalCycleTimeDays float64 `json:"total_cycle_time_days"`
	ReachedStageMax    int     `json:"reached_stage_max"`
	DroppedAtStage     string  `json:"dropped_at_stage"`
	StageCount         int     `json:"stage_count"`

	ApprovalCount  int `json:"approval_count"`
	QuoteRevisions int `json:"quote_revisions"`

	TimeInQualify     float64 `json:"time_in_qualify"`
	TimeInOpportunity float64 `json:"time_in_opportunity"`
	TimeInQuote       float64 `json:"time_in_quote"`
}

// Won reports whether the deal closed as won.
func (d DealRollup) Won() bool { return d.Outcome == OutcomeWon }

// StageAgg is the duration distribution of one canonical stage.
type StageAgg struct {
	Stage  Stage   `json:"stage"`
	Order  int     `json:"stage_order"`
	N      int     `json:"n"`
	Avg    float64 `json:"avg"`
	Median float64 `json:"median"`
	P75    float64 `json:"p75"`
}

// CycleStats summarizes deal-level cycle time and win rate.
type CycleStats struct {
	NDeals               int     `json:"n_deals"`
	WinRate              float64 `json:"win_rate"`
	AvgTotalCycleTime    float64 `json:"avg_total_cycle_time"`
	MedianTotalCycleTime float64 `json:"median_total_cycle_time"`
}

// FunnelPoint is the number and share of deals reaching at least a stage.
type FunnelPoint struct {
	Stage        Stage   `json:"stage"`
	Order        int     `json:"stage_order"`
	ReachedCount int     `json:"reached_count"`
	ReachedPct   float64 `json:"reached_pct"`
}

// DropoffPoint is the loss between two adjacent stages.
type DropoffPoint struct {
	From      Stage   `json:"from"`
	To        Stage   `json:"to"`
	FromOrder int     `json:"from_order"`
	ToOrder   int     `json:"to_order"`
	FromCount int     `json:"from_count"`
	ToCount   int     `json:"to_count"`
	DropPct   float64 `json:"drop_pct"`
}

// BreakdownRow is the worst transition's drop-off within one group.
type BreakdownRow struct {
	Group     string  `json:"group"`
	FromCount int     `json:"from_count"`
	ToCount   int     `json:"to_count"`
	DropPct   float64 `json:"drop_pct"`
}
