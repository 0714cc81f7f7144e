package friction

import "github.com/vinodismyname/frictionlab/internal/funnel"

// Categories is the ordered manifest of categorical levels. Its order fixes the
// one-hot column layout and therefore which coefficient belongs to which level.
type Categories struct {
	Segments []string `json:"segments"`
	Regions  []string `json:"regions"`
}

type numericFeature struct {
	name  string
	value func(funnel.DealRollup) float64
}

var numericFeatures = []numericFeature{
	{"approval_count", func(d funnel.DealRollup) float64 { return float64(d.ApprovalCount) }},
	{"quote_revisions", func(d funnel.DealRollup) float64 { return float64(d.QuoteRevisions) }},
	{"total_cycle_time_days", func(d funnel.DealRollup) float64 { return d.TotalCycleTimeDays }},
	{"time_in_qualify", func(d funnel.DealRollup) float64 { return d.TimeInQualify }},
	{"time_in_opportunity", func(d funnel.DealRollup) float64 { return d.TimeInOpportunity }},
	{"time_in_quote", func(d funnel.DealRollup) float64 { return d.TimeInQuote }},
	{"seller_tenure_years", func(d funnel.DealRollup) float64 { return d.SellerTenureYears }},
}

// NumericFeatureCount is the number of leading numeric columns in the design matrix.
var NumericFeatureCount = len(numericFeatures)

// FeatureNames lists design-matrix column names: numeric features, then segment=<level>,
// then region=<level>.
func FeatureNames(cats Categories) []string {
	names := make([]string, 0, len(numericFeatures)+len(cats.Segments)+len(cats.Regions))
	for _, f := range numericFeatures {
		names = append(names, f.name)
	}
	for _, s := range cats.Segments {
		names = append(names, "segment="+s)
	}
	for _, r := range cats.Regions {
		names = append(names, "region="+r)
	}
	return names
}

func indexOf(levels []string, v string) int {
	for i, l := range levels {
		if l == v {
			return i
		}
	}
	return -1
}

// featureRow encodes one deal. Levels missing from the manifest leave their block at zero.
func featureRow(d funnel.DealRollup, cats Categories) []float64 {
	p := len(numericFeatures) + len(cats.Segments) + len(cats.Regions)
	row := make([]float64, p)
	for j, f := range numericFeatures {
		row[j] = f.value(d)
	}
	segOffset := len(numericFeatures)
	if i := indexOf(cats.Segments, d.Segment); i >= 0 {
		row[segOffset+i] = 1
	}
	regOffset := segOffset + len(cats.Segments)
	if i := indexOf(cats.Regions, d.Region); i >= 0 {
		row[regOffset+i] = 1
	}
	return row
}
