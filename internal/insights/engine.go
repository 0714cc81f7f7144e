package insights

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/vinodismyname/frictionlab/config"
	"github.com/vinodismyname/frictionlab/internal/funnel"
)

// InsightCard is a single human-readable finding with a suggested next action.
type InsightCard struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Finding    string `json:"finding"`
	NextAction string `json:"next_action"`
}

// Input bundles the aggregates the rule engine reads.
type Input struct {
	Deals     []funnel.DealRollup
	StageAggs []funnel.StageAgg
	Funnel    []funnel.FunnelPoint
	Dropoffs  []funnel.DropoffPoint
}

type rule func(Input) (InsightCard, bool)

// rules run in this order; each may decline when data is insufficient.
var rules = []rule{
	approvalsRule,
	revisionsRule,
	dropoffHotspotRule,
	stageBottleneckRule,
	segmentRiskRule,
}

// Generate evaluates the fixed rule set and returns at most six cards.
func Generate(in Input) []InsightCard {
	if len(in.Deals) == 0 {
		return []InsightCard{}
	}
	cards := make([]InsightCard, 0, len(rules))
	for _, r := range rules {
		if c, ok := r(in); ok {
			cards = append(cards, c)
		}
	}
	if len(cards) > config.DefaultMaxInsightCards {
		cards = cards[:config.DefaultMaxInsightCards]
	}
	return cards
}

type rateStat struct {
	label string
	won   int
	total int
	rate  float64
}

func winRate(label string, deals []funnel.DealRollup) rateStat {
	s := rateStat{label: label, total: len(deals)}
	for _, d := range deals {
		if d.Won() {
			s.won++
		}
	}
	if s.total > 0 {
		s.rate = float64(s.won) / float64(s.total)
	}
	return s
}

var countBuckets = []struct {
	label string
	test  func(int) bool
}{
	{"0–1", func(v int) bool { return v <= 1 }},
	{"2–3", func(v int) bool { return v >= 2 && v <= 3 }},
	{"4+", func(v int) bool { return v >= 4 }},
}

type bucketDelta struct {
	from, to  rateStat
	deltaPts float64
}

// steepestDrop buckets deals by a count attribute and returns the adjacent bucket pair
// with the most negative win-rate change. Pairs with an empty side are skipped.
func steepestDrop(deals []funnel.DealRollup, value func(funnel.DealRollup) int) (bucketDelta, bool) {
	grouped := make([][]funnel.DealRollup, len(countBuckets))
	for _, d := range deals {
		v := value(d)
		for i, b := range countBuckets {
			if b.test(v) {
				grouped[i] = append(grouped[i], d)
				break
			}
		}
	}
	stats := make([]rateStat, len(countBuckets))
	for i, b := range countBuckets {
		stats[i] = winRate(b.label, grouped[i])
	}

	var best bucketDelta
	found := false
	for i := 0; i < len(stats)-1; i++ {
		from, to := stats[i], stats[i+1]
		if from.total == 0 || to.total == 0 {
			continue
		}
		delta := (to.rate - from.rate) * 100
		if !found || delta < best.deltaPts {
			best = bucketDelta{from: from, to: to, deltaPts: delta}
			found = true
		}
	}
	return best, found
}

func approvalsRule(in Input) (InsightCard, bool) {
	bd, ok := steepestDrop(in.Deals, func(d funnel.DealRollup) int { return d.ApprovalCount })
	if !ok {
		return InsightCard{}, false
	}
	return InsightCard{
		ID:    "approvals-buckets",
		Title: "Approvals vs win rate",
		Finding: fmt.Sprintf("Deals with %s approvals have a win rate of %s (n=%d) vs %s for %s approvals (n=%d) (Δ=%s pts).",
			bd.to.label, fmtPct(bd.to.rate*100), bd.to.total,
			fmtPct(bd.from.rate*100), bd.from.label, bd.from.total,
			toFixed1(bd.deltaPts)),
		NextAction: "Review approval steps and consolidate approvers.",
	}, true
}

func revisionsRule(in Input) (InsightCard, bool) {
	bd, ok := steepestDrop(in.Deals, func(d funnel.DealRollup) int { return d.QuoteRevisions })
	if !ok {
		return InsightCard{}, false
	}
	return InsightCard{
		ID:    "revisions-buckets",
		Title: "Quote revisions vs win rate",
		Finding: fmt.Sprintf("Deals with %s quote revisions have a win rate of %s (n=%d) vs %s for %s revisions (n=%d) (Δ=%s pts).",
			bd.to.label, fmtPct(bd.to.rate*100), bd.to.total,
			fmtPct(bd.from.rate*100), bd.from.label, bd.from.total,
			toFixed1(bd.deltaPts)),
		NextAction: "Reduce quote rework via guided quoting templates.",
	}, true
}

func dropoffHotspotRule(in Input) (InsightCard, bool) {
	worst, ok := funnel.WorstDropoff(in.Dropoffs)
	if !ok {
		return InsightCard{}, false
	}
	return InsightCard{
		ID:    "dropoff-hotspot",
		Title: "Biggest drop-off hotspot",
		Finding: fmt.Sprintf("The largest drop-off is %s→%s: %s (from n=%d to n=%d).",
			worst.From, worst.To, fmtPct(worst.DropPct*100), worst.FromCount, worst.ToCount),
		NextAction: "Review handoffs and exit criteria for this transition.",
	}, true
}

func stageBottleneckRule(in Input) (InsightCard, bool) {
	var top funnel.StageAgg
	found := false
	for _, s := range in.StageAggs {
		if s.N == 0 {
			continue
		}
		if !found || s.Median > top.Median {
			top = s
			found = true
		}
	}
	if !found {
		return InsightCard{}, false
	}
	return InsightCard{
		ID:         "stage-bottleneck",
		Title:      "Stage bottleneck",
		Finding:    fmt.Sprintf("%s has the highest median stage duration at %s days (n=%d).", top.Stage, toFixed1(top.Median), top.N),
		NextAction: "Audit bottlenecks and unblock common waiting states in this stage.",
	}, true
}

func segmentRiskRule(in Input) (InsightCard, bool) {
	var order []string
	bySegment := make(map[string][]funnel.DealRollup)
	for _, d := range in.Deals {
		if _, ok := bySegment[d.Segment]; !ok {
			order = append(order, d.Segment)
		}
		bySegment[d.Segment] = append(bySegment[d.Segment], d)
	}

	var worst rateStat
	found := false
	for _, seg := range order {
		s := winRate(seg, bySegment[seg])
		if s.total < config.DefaultSegmentRiskMinDeals {
			continue
		}
		if !found || s.rate < worst.rate {
			worst = s
			found = true
		}
	}
	if !found {
		return InsightCard{}, false
	}

	finding := fmt.Sprintf("Lowest win-rate segment is %s: %s (n=%d).", worst.label, fmtPct(worst.rate*100), worst.total)
	if stage, med, ok := longestStage(bySegment[worst.label]); ok {
		finding += fmt.Sprintf(" Within this segment, %s has the longest median time at %s days.", stage, toFixed1(med))
	}
	return InsightCard{
		ID:         "segment-low-winrate",
		Title:      "Segment risk area",
		Finding:    finding,
		NextAction: "Improve qualification playbooks and tighten stage exit criteria for this segment.",
	}, true
}

// longestStage picks the mid-funnel stage with the highest median of positive deal-level durations.
// The median here is the upper middle element, not interpolated.
func longestStage(deals []funnel.DealRollup) (funnel.Stage, float64, bool) {
	var best funnel.Stage
	var bestMed float64
	found := false
	for _, info := range funnel.Stages {
		vals := make([]float64, 0, len(deals))
		for _, d := range deals {
			var v float64
			switch info.Stage {
			case funnel.StageQualify:
				v = d.TimeInQualify
			case funnel.StageOpportunity:
				v = d.TimeInOpportunity
			case funnel.StageQuote:
				v = d.TimeInQuote
			}
			if v > 0 {
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			continue
		}
		sort.Float64s(vals)
		med := vals[len(vals)/2]
		if !found || med > bestMed {
			best, bestMed, found = info.Stage, med, true
		}
	}
	return best, bestMed, found
}

func fmtPct(p float64) string { return toFixed1(p) + "%" }

// toFixed1 formats with one decimal, rounding exact halves away from zero.
func toFixed1(x float64) string {
	if q := x * 4; q == math.Trunc(q) && int64(q)%2 != 0 {
		return strconv.FormatFloat(math.Round(x*10)/10, 'f', 1, 64)
	}
	return strconv.FormatFloat(x, 'f', 1, 64)
}
