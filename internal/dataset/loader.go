package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vinodismyname/frictionlab/config"
	"github.com/vinodismyname/frictionlab/internal/friction"
	"github.com/vinodismyname/frictionlab/internal/funnel"
	"github.com/vinodismyname/frictionlab/pkg/validation"
	"github.com/xuri/excelize/v2"
)

// RequiredColumns are the header names every dataset must carry.
var RequiredColumns = []string{
	"deal_id",
	"stage",
	"stage_order",
	"stage_duration_days",
	"rep",
	"region",
	"segment",
	"seller_tenure_years",
	"seller_tenure_bucket",
	"approval_count",
	"quote_revisions",
	"outcome",
}

// ErrUnsupportedFormat indicates a file extension the loader cannot read.
var ErrUnsupportedFormat = errors.New("dataset: unsupported format")

// ErrTooManyRows indicates the input exceeded the configured row cap.
var ErrTooManyRows = errors.New("dataset: row limit exceeded")

// MissingColumnsError reports required header names absent from the input.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return "dataset: missing required columns: " + strings.Join(e.Columns, ", ")
}

// InvalidRowPreview describes one rejected input row.
type InvalidRowPreview struct {
	RowNumber int               `json:"row_number"`
	Raw       map[string]string `json:"raw"`
	Issues    []string          `json:"issues"`
}

// ParseSummary reports what the loader dropped and why.
type ParseSummary struct {
	DroppedRowCount    int                 `json:"dropped_row_count"`
	InvalidRowsPreview []InvalidRowPreview `json:"invalid_rows_preview"`
	ReaderWarnings     []string            `json:"reader_warnings"`
	MissingColumns     []string            `json:"missing_columns"`
}

// Dataset is a fully parsed input: validated stage rows, their rollups and the
// categorical manifest derived from them.
type Dataset struct {
	Source     string              `json:"source"`
	StageRows  []funnel.StageRow   `json:"-"`
	Deals      []funnel.DealRollup `json:"-"`
	Categories friction.Categories `json:"categories"`
	Summary    ParseSummary        `json:"parse_summary"`
	LoadedAt   time.Time           `json:"loaded_at"`
}

// Options tunes loading.
type Options struct {
	// Sheet selects the worksheet for spreadsheet inputs; empty means the first sheet.
	Sheet string
	// MaxRows caps data rows; zero uses the configured default.
	MaxRows int
	Rollup  funnel.RollupOptions
}

// Load reads a dataset file, choosing the reader by extension.
func Load(ctx context.Context, path string, opts Options) (*Dataset, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("dataset: open %q: %w", path, err)
		}
		defer f.Close()
		ds, err := LoadCSV(ctx, f, opts)
		if err != nil {
			return nil, err
		}
		ds.Source = path
		return ds, nil
	case ".xlsx", ".xlsm":
		return LoadXLSX(ctx, path, opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// LoadCSV parses comma-separated input with a header row.
func LoadCSV(ctx context.Context, r io.Reader, opts Options) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &MissingColumnsError{Columns: append([]string(nil), RequiredColumns...)}
		}
		return nil, fmt.Errorf("dataset: read header: %w", err)
	}

	var warnings []string
	next := func() ([]string, error) {
		for {
			rec, err := cr.Read()
			if err == nil {
				if len(rec) != len(header) {
					line, _ := cr.FieldPos(0)
					warnings = appendWarning(warnings, fmt.Sprintf("line %d: expected %d fields, found %d", line, len(header), len(rec)))
				}
				return rec, nil
			}
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				warnings = appendWarning(warnings, perr.Error())
				continue
			}
			return nil, err
		}
	}

	ds, err := parseTable(ctx, header, next, opts)
	if err != nil {
		return nil, err
	}
	if len(warnings) > 0 {
		ds.Summary.ReaderWarnings = warnings
	}
	return ds, nil
}

// LoadXLSX streams rows from a worksheet.
func LoadXLSX(ctx context.Context, path string, opts Options) (*Dataset, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open workbook %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	sheet := strings.TrimSpace(opts.Sheet)
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("dataset: workbook %q has no sheets", path)
		}
		sheet = sheets[0]
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		return nil, fmt.Errorf("dataset: sheet %q: %w", sheet, err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, &MissingColumnsError{Columns: append([]string(nil), RequiredColumns...)}
	}
	header, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("dataset: read header: %w", err)
	}

	next := func() ([]string, error) {
		if !rows.Next() {
			if err := rows.Error(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return rows.Columns()
	}

	ds, err := parseTable(ctx, header, next, opts)
	if err != nil {
		return nil, err
	}
	ds.Source = path
	return ds, nil
}

// parseTable validates every record against the stage row schema. Invalid rows are
// dropped and the first few are kept for the summary.
func parseTable(ctx context.Context, header []string, next func() ([]string, error), opts Options) (*Dataset, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if _, dup := cols[h]; !dup {
			cols[h] = i
		}
	}
	var missing []string
	for _, c := range RequiredColumns {
		if _, ok := cols[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingColumnsError{Columns: missing}
	}

	maxRows := opts.MaxRows
	if maxRows <= 0 {
		maxRows = config.DefaultMaxRowsPerLoad
	}

	ds := &Dataset{
		Summary: ParseSummary{
			InvalidRowsPreview: []InvalidRowPreview{},
			ReaderWarnings:     []string{},
			MissingColumns:     []string{},
		},
	}
	i := 0
	for {
		rec, err := next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dataset: read row %d: %w", i+2, err)
		}
		if blank(rec) {
			continue
		}
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if i >= maxRows {
			return nil, fmt.Errorf("%w: more than %d rows", ErrTooManyRows, maxRows)
		}
		raw := make(map[string]string, len(RequiredColumns))
		for _, c := range RequiredColumns {
			if idx := cols[c]; idx < len(rec) {
				raw[c] = rec[idx]
			} else {
				raw[c] = ""
			}
		}

		row, issues := parseRow(raw)
		if len(issues) > 0 {
			ds.Summary.DroppedRowCount++
			if len(ds.Summary.InvalidRowsPreview) < config.DefaultInvalidRowPreviewLimit {
				ds.Summary.InvalidRowsPreview = append(ds.Summary.InvalidRowsPreview, InvalidRowPreview{
					RowNumber: i + 2, // header is row 1
					Raw:       raw,
					Issues:    issues,
				})
			}
		} else {
			ds.StageRows = append(ds.StageRows, row)
		}
		i++
	}

	ds.Deals = funnel.BuildRollupsWithOptions(ds.StageRows, opts.Rollup)
	ds.Categories = CategoriesOf(ds.Deals)
	ds.LoadedAt = time.Now()
	return ds, nil
}

// parseRow converts raw text fields into a StageRow and reports every issue found.
func parseRow(raw map[string]string) (funnel.StageRow, []string) {
	var issues []string
	bad := map[string]bool{}

	// Integer columns also accept whole-valued decimals such as "3.0", which
	// spreadsheet exports produce.
	intField := func(name string) int {
		s := strings.TrimSpace(raw[name])
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
		x, err := strconv.ParseFloat(s, 64)
		if err != nil || !finite(x) || x != math.Trunc(x) || math.Abs(x) > math.MaxInt32 {
			issues = append(issues, name+": expected an integer")
			bad[name] = true
			return 0
		}
		return int(x)
	}
	floatField := func(name string) float64 {
		s := strings.TrimSpace(raw[name])
		x, err := strconv.ParseFloat(s, 64)
		if err != nil || s == "" || !finite(x) {
			issues = append(issues, name+": expected a number")
			bad[name] = true
			return 0
		}
		return x
	}

	row := funnel.StageRow{
		DealID:             strings.TrimSpace(raw["deal_id"]),
		Stage:              funnel.Stage(strings.TrimSpace(raw["stage"])),
		StageOrder:         intField("stage_order"),
		StageDurationDays:  floatField("stage_duration_days"),
		Rep:                strings.TrimSpace(raw["rep"]),
		Region:             strings.TrimSpace(raw["region"]),
		Segment:            strings.TrimSpace(raw["segment"]),
		SellerTenureYears:  floatField("seller_tenure_years"),
		SellerTenureBucket: strings.TrimSpace(raw["seller_tenure_bucket"]),
		ApprovalCount:      intField("approval_count"),
		QuoteRevisions:     intField("quote_revisions"),
		Outcome:            funnel.Outcome(strings.TrimSpace(raw["outcome"])),
	}

	for _, issue := range validation.RowIssues(row) {
		field, _, _ := strings.Cut(issue, ":")
		if bad[field] {
			continue
		}
		issues = append(issues, issue)
	}
	return row, issues
}

// CategoriesOf returns the sorted distinct segments and regions of the deals.
func CategoriesOf(deals []funnel.DealRollup) friction.Categories {
	segs := map[string]struct{}{}
	regs := map[string]struct{}{}
	for _, d := range deals {
		segs[d.Segment] = struct{}{}
		regs[d.Region] = struct{}{}
	}
	return friction.Categories{Segments: sortedKeys(segs), Regions: sortedKeys(regs)}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func finite(x float64) bool {
	return !math.IsInf(x, 0) && !math.IsNaN(x)
}

func blank(rec []string) bool {
	for _, s := range rec {
		if strings.TrimSpace(s) != "" {
			return false
		}
	}
	return true
}

func appendWarning(ws []string, w string) []string {
	if len(ws) >= config.DefaultReaderWarningLimit {
		return ws
	}
	return append(ws, w)
}
