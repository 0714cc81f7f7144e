package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/vinodismyname/frictionlab/config"
	"github.com/vinodismyname/frictionlab/internal/dataset"
	"github.com/vinodismyname/frictionlab/internal/explorer"
	"github.com/vinodismyname/frictionlab/internal/friction"
	"github.com/vinodismyname/frictionlab/internal/funnel"
	"github.com/vinodismyname/frictionlab/internal/insights"
	"github.com/vinodismyname/frictionlab/pkg/mcperr"
	"github.com/vinodismyname/frictionlab/pkg/pagination"
	"github.com/vinodismyname/frictionlab/pkg/validation"
)

// --- Input / Output Schemas (typed for discovery) ---

// LoadDatasetInput defines parameters for loading a dataset file.
type LoadDatasetInput struct {
	Path  string `json:"path" validate:"required,dataset_ext" jsonschema_description:"Path to a stage-level CSV or XLSX file inside an allowed directory"`
	Sheet string `json:"sheet,omitempty" jsonschema_description:"Worksheet name for spreadsheet inputs; defaults to the first sheet"`
}

// LoadDatasetOutput reports the loaded dataset and what was dropped while parsing.
type LoadDatasetOutput struct {
	DatasetID    string               `json:"dataset_id" jsonschema_description:"Server-assigned dataset handle ID"`
	Source       string               `json:"source" jsonschema_description:"Canonical path the rows were read from"`
	StageRows    int                  `json:"stage_rows" jsonschema_description:"Valid stage rows kept"`
	Deals        int                  `json:"deals" jsonschema_description:"Distinct deals after rollup"`
	Categories   friction.Categories  `json:"categories" jsonschema_description:"Sorted distinct segments and regions"`
	ParseSummary dataset.ParseSummary `json:"parse_summary" jsonschema_description:"Dropped rows, invalid row previews and reader warnings"`
}

// SetFiltersInput patches the filters of a dataset; omitted fields are unchanged.
type SetFiltersInput struct {
	DatasetID          string  `json:"dataset_id" validate:"required" jsonschema_description:"Dataset handle ID"`
	Segment            *string `json:"segment,omitempty" jsonschema_description:"Segment value or All"`
	Region             *string `json:"region,omitempty" jsonschema_description:"Region value or All"`
	SellerTenureBucket *string `json:"seller_tenure_bucket,omitempty" jsonschema_description:"Seller tenure bucket or All"`
	Outcome            *string `json:"outcome,omitempty" validate:"omitempty,oneof=All Won Lost" jsonschema_description:"Won, Lost or All"`
}

// SetFiltersOutput reports the effective filters.
type SetFiltersOutput struct {
	DatasetID     string           `json:"dataset_id"`
	Filters       explorer.Filters `json:"filters"`
	ActiveFilters []string         `json:"active_filters"`
	DealsInView   int              `json:"deals_in_view"`
	TotalDeals    int              `json:"total_deals"`
	ModelStatus   string           `json:"model_status"`
}

// DatasetInput identifies a dataset.
type DatasetInput struct {
	DatasetID string `json:"dataset_id" validate:"required" jsonschema_description:"Dataset handle ID"`
}

// FunnelOverviewOutput is the full analytical view of the filtered deals.
type FunnelOverviewOutput struct {
	DatasetID   string `json:"dataset_id"`
	DealsInView int    `json:"deals_in_view"`
	ModelStatus string `json:"model_status"`
	explorer.View
}

// ListDealsInput defines parameters for paging through filtered deal rollups.
type ListDealsInput struct {
	DatasetID string `json:"dataset_id" validate:"required" jsonschema_description:"Dataset handle ID"`
	PageSize  int    `json:"page_size,omitempty" validate:"omitempty,min=1,max=500" jsonschema_description:"Deals per page (bounded)"`
	Cursor    string `json:"cursor,omitempty" validate:"omitempty,cursor" jsonschema_description:"Opaque cursor from a previous page; takes precedence over page_size"`
}

// PageMeta captures paging metadata.
type PageMeta struct {
	Total      int    `json:"total"`
	Returned   int    `json:"returned"`
	Truncated  bool   `json:"truncated"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ListDealsOutput is one page of deal rollups sorted by deal_id.
type ListDealsOutput struct {
	DatasetID string              `json:"dataset_id"`
	Deals     []funnel.DealRollup `json:"deals"`
	Meta      PageMeta            `json:"meta"`
}

// TrainFrictionModelInput defines parameters for model training.
type TrainFrictionModelInput struct {
	DatasetID string `json:"dataset_id" validate:"required" jsonschema_description:"Dataset handle ID"`
	WaitMS    int    `json:"wait_ms,omitempty" validate:"omitempty,min=1,max=25000" jsonschema_description:"How long to wait for the run to finish (default 5000)"`
	Retrain   bool   `json:"retrain,omitempty" jsonschema_description:"Submit a new run even when a result is available"`
}

// TrainFrictionModelOutput reports the model state for the current filters.
type TrainFrictionModelOutput struct {
	DatasetID   string           `json:"dataset_id"`
	Status      string           `json:"status" jsonschema_description:"idle, training, ready or error"`
	Pending     bool             `json:"pending" jsonschema_description:"True when the run did not finish within wait_ms"`
	DealsInView int              `json:"deals_in_view"`
	Features    []string         `json:"features" jsonschema_description:"Model feature columns in coefficient order"`
	Result      *friction.Result `json:"result,omitempty"`
}

// CloseDatasetOutput reports the outcome of close_dataset.
type CloseDatasetOutput struct {
	Success bool `json:"success" jsonschema_description:"True when the handle was closed"`
}

// RegisterTools defines the dataset tools and binds them to the service.
func RegisterTools(s *server.MCPServer, reg *Registry, svc *Service) {
	load := mcp.NewTool(
		"load_dataset",
		mcp.WithDescription("Load a stage-level sales funnel dataset (CSV or XLSX) and return a dataset handle. Rows are validated against the stage schema; invalid rows are dropped and the first few are previewed with their row numbers and issues. Loading resets filters and the friction model. Errors include VALIDATION, PERMISSION_DENIED, NOT_FOUND, UNSUPPORTED_FORMAT, MISSING_COLUMNS, INVALID_SHEET and LIMIT_EXCEEDED."),
		mcp.WithInputSchema[LoadDatasetInput](),
		mcp.WithOutputSchema[LoadDatasetOutput](),
	)
	s.AddTool(load, mcp.NewTypedToolHandler(svc.LoadDataset))
	reg.Register(load)

	filters := mcp.NewTool(
		"set_filters",
		mcp.WithDescription("Narrow the deals in view by segment, region, seller tenure bucket and outcome. Omitted fields keep their value; All clears a dimension. Changing filters schedules a debounced friction model retrain."),
		mcp.WithInputSchema[SetFiltersInput](),
		mcp.WithOutputSchema[SetFiltersOutput](),
		mcp.WithIdempotentHintAnnotation(true),
	)
	s.AddTool(filters, mcp.NewTypedToolHandler(svc.SetFilters))
	reg.Register(filters)

	overview := mcp.NewTool(
		"funnel_overview",
		mcp.WithDescription("Compute cycle stats, per-stage duration aggregates, the funnel, adjacent-stage drop-offs, the worst drop-off split by segment and region, and rule-based insight cards for the deals in view."),
		mcp.WithInputSchema[DatasetInput](),
		mcp.WithOutputSchema[FunnelOverviewOutput](),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	s.AddTool(overview, mcp.NewTypedToolHandler(svc.FunnelOverview))
	reg.Register(overview)

	list := mcp.NewTool(
		"list_deals",
		mcp.WithDescription("Page through deal rollups in view, sorted by deal_id. Follow nextCursor for the next page; cursors are bound to the dataset and the filters they were issued under."),
		mcp.WithInputSchema[ListDealsInput](),
		mcp.WithOutputSchema[ListDealsOutput](),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	s.AddTool(list, mcp.NewTypedToolHandler(svc.ListDeals))
	reg.Register(list)

	train := mcp.NewTool(
		"train_friction_model",
		mcp.WithDescription("Fit the explanatory win/loss model on the deals in view and return its drivers and held-out metrics. Training is debounced and runs in the background; the call waits up to wait_ms and reports pending when the run is still going. Fewer than 50 deals or a single outcome yields ok=false with a reason. Errors include INSUFFICIENT_DATA and ISOLATION_FAULT."),
		mcp.WithInputSchema[TrainFrictionModelInput](),
		mcp.WithOutputSchema[TrainFrictionModelOutput](),
	)
	s.AddTool(train, mcp.NewTypedToolHandler(svc.TrainFrictionModel))
	reg.Register(train)

	closeTool := mcp.NewTool(
		"close_dataset",
		mcp.WithDescription("Close a dataset handle and release its slot"),
		mcp.WithInputSchema[DatasetInput](),
		mcp.WithOutputSchema[CloseDatasetOutput](),
		mcp.WithDestructiveHintAnnotation(true),
	)
	s.AddTool(closeTool, mcp.NewTypedToolHandler(svc.CloseDataset))
	reg.Register(closeTool)
}

// LoadDataset handles load_dataset.
func (s *Service) LoadDataset(ctx context.Context, _ mcp.CallToolRequest, in LoadDatasetInput) (*mcp.CallToolResult, error) {
	if msg := validation.ValidateStruct(in); msg != "" {
		return mcperr.FromText(msg), nil
	}
	h, err := s.mgr.Open(ctx, strings.TrimSpace(in.Path), dataset.Options{
		Sheet:   in.Sheet,
		MaxRows: s.limits.MaxRowsPerLoad,
		Rollup:  s.rollup,
	})
	if err != nil {
		s.log(ctx).Warn().Err(err).Str("path", in.Path).Msg("dataset load failed")
		return s.loadError(err)
	}

	// The session is registered under the handle's read lock, so a close racing
	// with this load runs its eviction hook after the session exists.
	var (
		sess *session
		ds   *dataset.Dataset
	)
	err = s.mgr.WithRead(h.ID, func(loaded *dataset.Dataset) error {
		ds = loaded
		sess = s.addSession(h.ID, loaded)
		return nil
	})
	if err != nil {
		return mcperr.New(mcperr.InvalidHandle, "dataset was closed while loading"), nil
	}
	if _, err := sess.retrain(ctx); err != nil {
		s.log(ctx).Warn().Err(err).Str("dataset_id", h.ID).Msg("initial training not scheduled")
	}

	out := LoadDatasetOutput{
		DatasetID:    h.ID,
		Source:       h.Path,
		StageRows:    len(ds.StageRows),
		Deals:        len(ds.Deals),
		Categories:   ds.Categories,
		ParseSummary: ds.Summary,
	}
	s.log(ctx).Info().
		Str("dataset_id", h.ID).
		Int("stage_rows", out.StageRows).
		Int("deals", out.Deals).
		Int("dropped_rows", ds.Summary.DroppedRowCount).
		Msg("dataset loaded")

	summary := fmt.Sprintf("dataset_id=%s rows=%d deals=%d dropped=%d", h.ID, out.StageRows, out.Deals, ds.Summary.DroppedRowCount)
	lines := []string{summary}
	for _, p := range ds.Summary.InvalidRowsPreview {
		lines = append(lines, fmt.Sprintf("- row %d: %s", p.RowNumber, strings.Join(p.Issues, "; ")))
	}
	res := mcp.NewToolResultStructured(out, summary)
	res.Content = []mcp.Content{mcp.NewTextContent(strings.Join(lines, "\n"))}
	return res, nil
}

// SetFilters handles set_filters.
func (s *Service) SetFilters(ctx context.Context, _ mcp.CallToolRequest, in SetFiltersInput) (*mcp.CallToolResult, error) {
	if msg := validation.ValidateStruct(in); msg != "" {
		return mcperr.FromText(msg), nil
	}
	sess, errRes := s.session(in.DatasetID)
	if errRes != nil {
		return errRes, nil
	}

	st := sess.store.Snapshot()
	if msg := checkLevel("segment", in.Segment, st.Categories.Segments); msg != "" {
		return mcperr.New(mcperr.Validation, msg), nil
	}
	if msg := checkLevel("region", in.Region, st.Categories.Regions); msg != "" {
		return mcperr.New(mcperr.Validation, msg), nil
	}

	sess.store.SetFilters(explorer.FilterPatch{
		Segment:            trimmed(in.Segment),
		Region:             trimmed(in.Region),
		SellerTenureBucket: trimmed(in.SellerTenureBucket),
		Outcome:            trimmed(in.Outcome),
	})
	if _, err := sess.retrain(ctx); err != nil {
		s.log(ctx).Warn().Err(err).Str("dataset_id", in.DatasetID).Msg("retrain not scheduled")
	}
	st = sess.store.Snapshot()

	out := SetFiltersOutput{
		DatasetID:     in.DatasetID,
		Filters:       st.Filters,
		ActiveFilters: activeFilters(st.Filters),
		DealsInView:   len(explorer.FilterDeals(st.Deals, st.Filters)),
		TotalDeals:    len(st.Deals),
		ModelStatus:   string(st.ModelStatus),
	}
	summary := fmt.Sprintf("deals_in_view=%d/%d filters=[%s]", out.DealsInView, out.TotalDeals, strings.Join(out.ActiveFilters, ", "))
	res := mcp.NewToolResultStructured(out, summary)
	res.Content = []mcp.Content{mcp.NewTextContent(summary)}
	return res, nil
}

// FunnelOverview handles funnel_overview.
func (s *Service) FunnelOverview(ctx context.Context, _ mcp.CallToolRequest, in DatasetInput) (*mcp.CallToolResult, error) {
	if msg := validation.ValidateStruct(in); msg != "" {
		return mcperr.FromText(msg), nil
	}
	sess, errRes := s.session(in.DatasetID)
	if errRes != nil {
		return errRes, nil
	}

	st := sess.store.Snapshot()
	view, err := explorer.Compute(ctx, st)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return mcperr.New(mcperr.AnalysisFailed, err.Error()), nil
	}
	out := FunnelOverviewOutput{
		DatasetID:   in.DatasetID,
		DealsInView: len(view.FilteredDeals),
		ModelStatus: string(st.ModelStatus),
		View:        view,
	}

	summary := fmt.Sprintf("deals=%d win_rate=%.1f%% median_cycle=%.1fd insights=%d",
		view.CycleStats.NDeals, view.CycleStats.WinRate*100, view.CycleStats.MedianTotalCycleTime, len(view.Insights))
	lines := []string{summary}
	if w := view.Breakdowns.Worst; w != nil {
		lines = append(lines, fmt.Sprintf("worst drop-off: %s → %s %.1f%% (%d → %d)", w.From, w.To, w.DropPct*100, w.FromCount, w.ToCount))
	}
	lines = append(lines, insightLines(view.Insights)...)
	res := mcp.NewToolResultStructured(out, summary)
	res.Content = []mcp.Content{mcp.NewTextContent(strings.Join(lines, "\n"))}
	return res, nil
}

// ListDeals handles list_deals.
func (s *Service) ListDeals(ctx context.Context, _ mcp.CallToolRequest, in ListDealsInput) (*mcp.CallToolResult, error) {
	if msg := validation.ValidateStruct(in); msg != "" {
		return mcperr.FromText(msg), nil
	}
	sess, errRes := s.session(in.DatasetID)
	if errRes != nil {
		return errRes, nil
	}

	st := sess.store.Snapshot()
	fh := filterHash(st.Filters)
	offset := 0
	pageSize := s.limits.ClampPageSize(in.PageSize)
	if in.Cursor != "" {
		cur, err := pagination.DecodeCursor(in.Cursor)
		if err != nil {
			return mcperr.New(mcperr.CursorInvalid, err.Error()), nil
		}
		if cur.Did != in.DatasetID || cur.Fh != fh {
			return mcperr.New(mcperr.CursorInvalid, "cursor was issued for another dataset or filter set"), nil
		}
		offset = cur.Off
		pageSize = s.limits.ClampPageSize(cur.Ps)
	}

	deals := explorer.FilterDeals(st.Deals, st.Filters)
	sort.SliceStable(deals, func(i, j int) bool { return deals[i].DealID < deals[j].DealID })

	total := len(deals)
	if offset > total {
		offset = total
	}
	end := min(offset+pageSize, total)
	page := s.fitPayload(deals[offset:end])
	end = offset + len(page)

	meta := PageMeta{Total: total, Returned: len(page), Truncated: end < total}
	if meta.Truncated {
		next, err := pagination.EncodeCursor(pagination.Cursor{
			Did: in.DatasetID,
			Fh:  fh,
			Off: pagination.NextOffset(offset, len(page)),
			Ps:  pageSize,
			Iat: time.Now().Unix(),
		})
		if err != nil {
			return mcperr.New(mcperr.CursorBuildFailed, err.Error()), nil
		}
		meta.NextCursor = next
	}

	out := ListDealsOutput{DatasetID: in.DatasetID, Deals: page, Meta: meta}
	summary := fmt.Sprintf("total=%d returned=%d offset=%d truncated=%v", total, len(page), offset, meta.Truncated)
	res := mcp.NewToolResultStructured(out, summary)
	res.Content = []mcp.Content{mcp.NewTextContent(summary)}
	return res, nil
}

// TrainFrictionModel handles train_friction_model.
func (s *Service) TrainFrictionModel(ctx context.Context, _ mcp.CallToolRequest, in TrainFrictionModelInput) (*mcp.CallToolResult, error) {
	if msg := validation.ValidateStruct(in); msg != "" {
		return mcperr.FromText(msg), nil
	}
	sess, errRes := s.session(in.DatasetID)
	if errRes != nil {
		return errRes, nil
	}

	st := sess.store.Snapshot()
	inView := len(explorer.FilterDeals(st.Deals, st.Filters))
	if inView == 0 {
		return mcperr.New(mcperr.InsufficientData, "no deals match the current filters"), nil
	}
	if st.ModelStatus == explorer.ModelIdle || in.Retrain {
		if _, err := sess.retrain(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return mcperr.New(mcperr.AnalysisFailed, err.Error()), nil
		}
	}

	wait := config.DefaultTrainingWait
	if in.WaitMS > 0 {
		wait = min(time.Duration(in.WaitMS)*time.Millisecond, config.MaxTrainingWait)
	}
	done := sess.wait(ctx, wait)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st = sess.store.Snapshot()
	if fault := sess.lastFault(); fault != "" && done && st.ModelStatus == explorer.ModelError {
		return mcperr.New(mcperr.IsolationFault, fault), nil
	}

	out := TrainFrictionModelOutput{
		DatasetID:   in.DatasetID,
		Status:      string(st.ModelStatus),
		Pending:     !done,
		DealsInView: inView,
		Features:    friction.FeatureNames(st.Categories),
		Result:      st.ModelResult,
	}
	summary := trainSummary(out)
	lines := []string{summary}
	if r := out.Result; r != nil && r.OK {
		for _, d := range r.Drivers {
			lines = append(lines, fmt.Sprintf("- %s coef=%+.3f", d.Feature, d.Coefficient))
		}
	}
	res := mcp.NewToolResultStructured(out, summary)
	res.Content = []mcp.Content{mcp.NewTextContent(strings.Join(lines, "\n"))}
	return res, nil
}

// CloseDataset handles close_dataset.
func (s *Service) CloseDataset(ctx context.Context, _ mcp.CallToolRequest, in DatasetInput) (*mcp.CallToolResult, error) {
	if msg := validation.ValidateStruct(in); msg != "" {
		return mcperr.FromText(msg), nil
	}
	if err := s.mgr.CloseHandle(ctx, in.DatasetID); err != nil {
		return mcperr.New(mcperr.InvalidHandle, ""), nil
	}
	s.log(ctx).Info().Str("dataset_id", in.DatasetID).Msg("dataset closed")
	res := mcp.NewToolResultStructured(CloseDatasetOutput{Success: true}, "closed")
	res.Content = []mcp.Content{mcp.NewTextContent("closed")}
	return res, nil
}

// fitPayload shrinks a page until its encoding fits the payload bound.
func (s *Service) fitPayload(page []funnel.DealRollup) []funnel.DealRollup {
	if s.limits.MaxPayloadBytes <= 0 {
		return page
	}
	for len(page) > 1 {
		b, err := json.Marshal(page)
		if err != nil || len(b) <= s.limits.MaxPayloadBytes {
			break
		}
		page = page[:len(page)/2]
	}
	return page
}

func trainSummary(out TrainFrictionModelOutput) string {
	switch {
	case out.Pending:
		return fmt.Sprintf("status=%s pending=true deals=%d", out.Status, out.DealsInView)
	case out.Result == nil:
		return fmt.Sprintf("status=%s deals=%d", out.Status, out.DealsInView)
	case !out.Result.OK:
		return fmt.Sprintf("status=%s reason=%q", out.Status, out.Result.Message)
	}
	m := out.Result.Metrics
	auc := "n/a"
	if m.AUC != nil {
		auc = fmt.Sprintf("%.3f", *m.AUC)
	}
	return fmt.Sprintf("status=%s deals=%d train=%d test=%d accuracy=%.3f auc=%s drivers=%d",
		out.Status, m.NDeals, m.NTrain, m.NTest, m.Accuracy, auc, len(out.Result.Drivers))
}

func insightLines(cards []insights.InsightCard) []string {
	lines := make([]string, 0, len(cards))
	for _, c := range cards {
		lines = append(lines, fmt.Sprintf("- %s: %s", c.Title, c.Finding))
	}
	return lines
}

// checkLevel accepts All or a value present in the dataset.
func checkLevel(field string, v *string, levels []string) string {
	if v == nil {
		return ""
	}
	val := strings.TrimSpace(*v)
	if val == explorer.All {
		return ""
	}
	for _, l := range levels {
		if l == val {
			return ""
		}
	}
	return fmt.Sprintf("%s must be All or one of [%s]", field, strings.Join(levels, ", "))
}

func trimmed(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	return &t
}

func activeFilters(f explorer.Filters) []string {
	out := []string{}
	add := func(label, v string) {
		if v != "" && v != explorer.All {
			out = append(out, label+": "+v)
		}
	}
	add("Segment", f.Segment)
	add("Region", f.Region)
	add("Tenure", f.SellerTenureBucket)
	add("Outcome", f.Outcome)
	return out
}

func filterHash(f explorer.Filters) string {
	return pagination.HashParts(f.Segment, f.Region, f.SellerTenureBucket, f.Outcome)
}
