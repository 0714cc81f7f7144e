package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/vinodismyname/frictionlab/internal/dataset"
	"github.com/vinodismyname/frictionlab/internal/runtime"
	"github.com/vinodismyname/frictionlab/internal/security"
)

const csvHeader = "deal_id,stage,stage_order,stage_duration_days,rep,region,segment,seller_tenure_years,seller_tenure_bucket,approval_count,quote_revisions,outcome"

// writeDeals writes n single-stage deals; Won deals need few approvals, Lost deals many.
func writeDeals(t *testing.T, dir string, n int) string {
	t.Helper()
	segments := []string{"Enterprise", "SMB"}
	regions := []string{"East", "West"}
	lines := []string{csvHeader}
	for i := 0; i < n; i++ {
		outcome, approvals := "Lost", 3+i%3
		if i%2 == 0 {
			outcome, approvals = "Won", i%3
		}
		lines = append(lines, fmt.Sprintf("D-%03d,Lead,1,2,rep,%s,%s,3,1-3,%d,0,%s",
			i, regions[(i/3)%2], segments[(i/2)%2], approvals, outcome))
	}
	path := filepath.Join(dir, "deals.csv")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
	return path
}

func newTestService(t *testing.T, validator dataset.PathValidator) *Service {
	t.Helper()
	limits := runtime.NewLimits(4, 2)
	limits.TrainingDebounce = 10 * time.Millisecond
	ctrl := runtime.NewController(limits)

	mgr := dataset.NewManager(time.Minute, time.Minute, ctrl, nil)
	if validator != nil {
		mgr.WithValidator(validator)
	}
	svc := NewService(context.Background(), mgr, ServiceOptions{Limits: limits, Logger: zerolog.Nop()})
	t.Cleanup(func() {
		_ = mgr.Close(context.Background())
		svc.Close()
	})
	return svc
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func requireCode(t *testing.T, res *mcp.CallToolResult, err error, code string) {
	t.Helper()
	require.NoError(t, err)
	require.True(t, res.IsError, text(t, res))
	require.True(t, strings.HasPrefix(text(t, res), code+":"), text(t, res))
}

func load(t *testing.T, svc *Service, path string) LoadDatasetOutput {
	t.Helper()
	res, err := svc.LoadDataset(context.Background(), mcp.CallToolRequest{}, LoadDatasetInput{Path: path})
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))
	out, ok := res.StructuredContent.(LoadDatasetOutput)
	require.True(t, ok)
	return out
}

func strp(s string) *string { return &s }

func TestRegisterTools_Catalog(t *testing.T) {
	srv := server.NewMCPServer("test", "0.0.0", server.WithToolCapabilities(true))
	reg := New()
	RegisterTools(srv, reg, newTestService(t, nil))

	tools, err := reg.Tools(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	require.Equal(t, []string{"close_dataset", "funnel_overview", "list_deals", "load_dataset", "set_filters", "train_friction_model"}, names)

	n, err := reg.CatalogBytes(context.Background())
	require.NoError(t, err)
	require.Positive(t, n)
}

func TestLoadDataset_Summary(t *testing.T) {
	svc := newTestService(t, nil)
	out := load(t, svc, writeDeals(t, t.TempDir(), 60))

	require.NotEmpty(t, out.DatasetID)
	require.Equal(t, 60, out.StageRows)
	require.Equal(t, 60, out.Deals)
	require.Equal(t, []string{"Enterprise", "SMB"}, out.Categories.Segments)
	require.Zero(t, out.ParseSummary.DroppedRowCount)
}

func TestLoadDataset_Errors(t *testing.T) {
	dir := t.TempDir()
	sec, err := security.NewManager([]string{dir}, nil)
	require.NoError(t, err)
	svc := newTestService(t, sec)
	ctx := context.Background()

	res, err := svc.LoadDataset(ctx, mcp.CallToolRequest{}, LoadDatasetInput{Path: "deals.json"})
	requireCode(t, res, err, "VALIDATION")

	res, err = svc.LoadDataset(ctx, mcp.CallToolRequest{}, LoadDatasetInput{Path: filepath.Join(dir, "missing.csv")})
	requireCode(t, res, err, "NOT_FOUND")

	outside := writeDeals(t, t.TempDir(), 5)
	res, err = svc.LoadDataset(ctx, mcp.CallToolRequest{}, LoadDatasetInput{Path: outside})
	requireCode(t, res, err, "PERMISSION_DENIED")

	bad := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("deal_id,stage\nD1,Lead\n"), 0o600))
	res, err = svc.LoadDataset(ctx, mcp.CallToolRequest{}, LoadDatasetInput{Path: bad})
	requireCode(t, res, err, "MISSING_COLUMNS")
	require.Contains(t, text(t, res), "outcome")
}

func TestLoadDataset_Capacity(t *testing.T) {
	svc := newTestService(t, nil)
	path := writeDeals(t, t.TempDir(), 5)
	load(t, svc, path)
	second := load(t, svc, path)

	res, err := svc.LoadDataset(context.Background(), mcp.CallToolRequest{}, LoadDatasetInput{Path: path})
	requireCode(t, res, err, "LIMIT_EXCEEDED")

	res, err = svc.CloseDataset(context.Background(), mcp.CallToolRequest{}, DatasetInput{DatasetID: second.DatasetID})
	require.NoError(t, err)
	require.False(t, res.IsError)
	load(t, svc, path)
}

func TestSetFilters(t *testing.T) {
	svc := newTestService(t, nil)
	ds := load(t, svc, writeDeals(t, t.TempDir(), 60))
	ctx := context.Background()

	res, err := svc.SetFilters(ctx, mcp.CallToolRequest{}, SetFiltersInput{DatasetID: ds.DatasetID, Segment: strp("Mid")})
	requireCode(t, res, err, "VALIDATION")

	res, err = svc.SetFilters(ctx, mcp.CallToolRequest{}, SetFiltersInput{DatasetID: ds.DatasetID, Outcome: strp("Maybe")})
	requireCode(t, res, err, "VALIDATION")

	res, err = svc.SetFilters(ctx, mcp.CallToolRequest{}, SetFiltersInput{DatasetID: ds.DatasetID, Segment: strp("SMB"), Outcome: strp("Won")})
	require.NoError(t, err)
	out := res.StructuredContent.(SetFiltersOutput)
	require.Equal(t, 15, out.DealsInView)
	require.Equal(t, 60, out.TotalDeals)
	require.Equal(t, []string{"Segment: SMB", "Outcome: Won"}, out.ActiveFilters)

	res, err = svc.SetFilters(ctx, mcp.CallToolRequest{}, SetFiltersInput{DatasetID: ds.DatasetID, Outcome: strp("All")})
	require.NoError(t, err)
	out = res.StructuredContent.(SetFiltersOutput)
	require.Equal(t, 30, out.DealsInView)
	require.Equal(t, "SMB", out.Filters.Segment)
}

func TestFunnelOverview(t *testing.T) {
	svc := newTestService(t, nil)
	ds := load(t, svc, writeDeals(t, t.TempDir(), 60))

	res, err := svc.FunnelOverview(context.Background(), mcp.CallToolRequest{}, DatasetInput{DatasetID: ds.DatasetID})
	require.NoError(t, err)
	require.False(t, res.IsError)
	out := res.StructuredContent.(FunnelOverviewOutput)
	require.Equal(t, 60, out.DealsInView)
	require.Equal(t, 60, out.CycleStats.NDeals)
	require.InDelta(t, 0.5, out.CycleStats.WinRate, 1e-9)
	require.Len(t, out.Funnel, 5)
	require.Len(t, out.Dropoffs, 4)
	require.LessOrEqual(t, len(out.Insights), 6)
	require.Contains(t, text(t, res), "deals=60")
}

func TestListDeals_Pagination(t *testing.T) {
	svc := newTestService(t, nil)
	ds := load(t, svc, writeDeals(t, t.TempDir(), 60))
	ctx := context.Background()

	res, err := svc.ListDeals(ctx, mcp.CallToolRequest{}, ListDealsInput{DatasetID: ds.DatasetID, PageSize: 25})
	require.NoError(t, err)
	page := res.StructuredContent.(ListDealsOutput)
	require.Len(t, page.Deals, 25)
	require.Equal(t, "D-000", page.Deals[0].DealID)
	require.True(t, page.Meta.Truncated)
	require.NotEmpty(t, page.Meta.NextCursor)

	res, err = svc.ListDeals(ctx, mcp.CallToolRequest{}, ListDealsInput{DatasetID: ds.DatasetID, Cursor: page.Meta.NextCursor})
	require.NoError(t, err)
	page = res.StructuredContent.(ListDealsOutput)
	require.Equal(t, "D-025", page.Deals[0].DealID)
	next := page.Meta.NextCursor

	res, err = svc.ListDeals(ctx, mcp.CallToolRequest{}, ListDealsInput{DatasetID: ds.DatasetID, Cursor: next})
	require.NoError(t, err)
	page = res.StructuredContent.(ListDealsOutput)
	require.Len(t, page.Deals, 10)
	require.False(t, page.Meta.Truncated)
	require.Empty(t, page.Meta.NextCursor)

	// Changing filters invalidates outstanding cursors.
	_, err = svc.SetFilters(ctx, mcp.CallToolRequest{}, SetFiltersInput{DatasetID: ds.DatasetID, Region: strp("East")})
	require.NoError(t, err)
	res, err = svc.ListDeals(ctx, mcp.CallToolRequest{}, ListDealsInput{DatasetID: ds.DatasetID, Cursor: next})
	requireCode(t, res, err, "CURSOR_INVALID")

	res, err = svc.ListDeals(ctx, mcp.CallToolRequest{}, ListDealsInput{DatasetID: ds.DatasetID, Cursor: "%%%"})
	requireCode(t, res, err, "CURSOR_INVALID")
}

func TestTrainFrictionModel_EndToEnd(t *testing.T) {
	svc := newTestService(t, nil)
	ds := load(t, svc, writeDeals(t, t.TempDir(), 60))

	res, err := svc.TrainFrictionModel(context.Background(), mcp.CallToolRequest{}, TrainFrictionModelInput{DatasetID: ds.DatasetID, WaitMS: 10_000})
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))
	out := res.StructuredContent.(TrainFrictionModelOutput)
	require.False(t, out.Pending)
	require.Equal(t, "ready", out.Status)
	require.NotNil(t, out.Result)
	require.True(t, out.Result.OK)
	require.Equal(t, "approval_count", out.Result.Drivers[0].Feature)
	require.Greater(t, out.Result.Metrics.Accuracy, 0.5)
	require.Equal(t, 48, out.Result.Metrics.NTrain)
	require.Equal(t, "approval_count", out.Features[0])
}

func TestTrainFrictionModel_FilteredBelowMinimum(t *testing.T) {
	svc := newTestService(t, nil)
	ds := load(t, svc, writeDeals(t, t.TempDir(), 60))
	ctx := context.Background()

	_, err := svc.SetFilters(ctx, mcp.CallToolRequest{}, SetFiltersInput{DatasetID: ds.DatasetID, Segment: strp("SMB")})
	require.NoError(t, err)

	res, err := svc.TrainFrictionModel(ctx, mcp.CallToolRequest{}, TrainFrictionModelInput{DatasetID: ds.DatasetID, WaitMS: 10_000})
	require.NoError(t, err)
	out := res.StructuredContent.(TrainFrictionModelOutput)
	require.Equal(t, "error", out.Status)
	require.False(t, out.Result.OK)
	require.Equal(t, "Not enough deals to train (need at least 50).", out.Result.Message)
	require.Equal(t, 30, out.DealsInView)
}

func TestTrainFrictionModel_NoDealsInView(t *testing.T) {
	svc := newTestService(t, nil)
	ds := load(t, svc, writeDeals(t, t.TempDir(), 60))
	ctx := context.Background()

	_, err := svc.SetFilters(ctx, mcp.CallToolRequest{}, SetFiltersInput{DatasetID: ds.DatasetID, SellerTenureBucket: strp("10+")})
	require.NoError(t, err)
	res, err := svc.TrainFrictionModel(ctx, mcp.CallToolRequest{}, TrainFrictionModelInput{DatasetID: ds.DatasetID})
	requireCode(t, res, err, "INSUFFICIENT_DATA")
}

func TestCloseDataset(t *testing.T) {
	svc := newTestService(t, nil)
	ds := load(t, svc, writeDeals(t, t.TempDir(), 5))
	ctx := context.Background()

	res, err := svc.CloseDataset(ctx, mcp.CallToolRequest{}, DatasetInput{DatasetID: ds.DatasetID})
	require.NoError(t, err)
	require.True(t, res.StructuredContent.(CloseDatasetOutput).Success)

	res, err = svc.FunnelOverview(ctx, mcp.CallToolRequest{}, DatasetInput{DatasetID: ds.DatasetID})
	requireCode(t, res, err, "INVALID_HANDLE")

	res, err = svc.CloseDataset(ctx, mcp.CallToolRequest{}, DatasetInput{DatasetID: ds.DatasetID})
	requireCode(t, res, err, "INVALID_HANDLE")

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Empty(t, svc.sessions)
}

func TestListDeals_PayloadBound(t *testing.T) {
	svc := newTestService(t, nil)
	svc.limits.MaxPayloadBytes = 2000
	ds := load(t, svc, writeDeals(t, t.TempDir(), 60))
	ctx := context.Background()

	res, err := svc.ListDeals(ctx, mcp.CallToolRequest{}, ListDealsInput{DatasetID: ds.DatasetID, PageSize: 25})
	require.NoError(t, err)
	page := res.StructuredContent.(ListDealsOutput)
	require.Less(t, page.Meta.Returned, 25)
	require.Positive(t, page.Meta.Returned)
	require.True(t, page.Meta.Truncated)

	res, err = svc.ListDeals(ctx, mcp.CallToolRequest{}, ListDealsInput{DatasetID: ds.DatasetID, Cursor: page.Meta.NextCursor})
	require.NoError(t, err)
	next := res.StructuredContent.(ListDealsOutput)
	require.Equal(t, fmt.Sprintf("D-%03d", page.Meta.Returned), next.Deals[0].DealID)
}
