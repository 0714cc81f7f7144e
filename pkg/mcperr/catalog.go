package mcperr

import (
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Code defines a canonical MCP error code used across tools.
type Code string

const (
	// Validation & Input
	Validation        Code = "VALIDATION"
	InvalidHandle     Code = "INVALID_HANDLE"
	InvalidSheet      Code = "INVALID_SHEET"
	CursorInvalid     Code = "CURSOR_INVALID"
	CursorBuildFailed Code = "CURSOR_BUILD_FAILED"

	// Resource & Limits
	BusyResource  Code = "BUSY_RESOURCE"
	Timeout       Code = "TIMEOUT"
	LimitExceeded Code = "LIMIT_EXCEEDED"

	// IO & Formats
	LoadFailed     Code = "LOAD_FAILED"
	MissingColumns Code = "MISSING_COLUMNS"
	NotFound       Code = "NOT_FOUND"

	// Analysis & Model
	AnalysisFailed   Code = "ANALYSIS_FAILED"
	InsufficientData Code = "INSUFFICIENT_DATA"
	IsolationFault   Code = "ISOLATION_FAULT"

	// Integrity
	UnsupportedFormat Code = "UNSUPPORTED_FORMAT"
	PermissionDenied  Code = "PERMISSION_DENIED"
)

// Entry documents a code's standard message, retry semantics, and next steps.
type Entry struct {
	Code      Code
	Message   string
	Retryable bool
	NextSteps []string
}

// catalog maps canonical codes to guidance. Messages can be overridden per error.
var catalog = map[Code]Entry{
	Validation:        {Code: Validation, Message: "invalid inputs", Retryable: true, NextSteps: []string{"Correct the inputs per schema and retry"}},
	InvalidHandle:     {Code: InvalidHandle, Message: "dataset handle not found or expired", Retryable: true, NextSteps: []string{"Reload the dataset via load_dataset and retry"}},
	InvalidSheet:      {Code: InvalidSheet, Message: "sheet not found", Retryable: true, NextSteps: []string{"Omit sheet to use the first sheet", "Check case and spacing"}},
	CursorInvalid:     {Code: CursorInvalid, Message: "cursor is invalid for current context", Retryable: true, NextSteps: []string{"Restart pagination from the first page", "Avoid changing filters between pages"}},
	CursorBuildFailed: {Code: CursorBuildFailed, Message: "failed to encode next page cursor", Retryable: true, NextSteps: []string{"Retry with a smaller page size"}},

	BusyResource:  {Code: BusyResource, Message: "concurrent request limit reached", Retryable: true, NextSteps: []string{"Retry after a short delay"}},
	Timeout:       {Code: Timeout, Message: "operation exceeded configured time limit", Retryable: true, NextSteps: []string{"Narrow filters or retry"}},
	LimitExceeded: {Code: LimitExceeded, Message: "operation exceeded configured limits", Retryable: true, NextSteps: []string{"Use a smaller dataset or lower page size"}},

	LoadFailed:     {Code: LoadFailed, Message: "failed to load dataset", Retryable: true, NextSteps: []string{"Verify path, permissions, and format"}},
	MissingColumns: {Code: MissingColumns, Message: "dataset is missing required columns", Retryable: false, NextSteps: []string{"Add the listed columns to the header row"}},
	NotFound:       {Code: NotFound, Message: "file not found", Retryable: false, NextSteps: []string{"Verify the path exists inside an allowed directory"}},

	AnalysisFailed:   {Code: AnalysisFailed, Message: "analysis failed", Retryable: true, NextSteps: []string{"Retry or reload the dataset"}},
	InsufficientData: {Code: InsufficientData, Message: "not enough data for this operation", Retryable: false, NextSteps: []string{"Relax filters to include more deals"}},
	IsolationFault:   {Code: IsolationFault, Message: "model training failed unexpectedly", Retryable: true, NextSteps: []string{"Retry training", "Report the dataset if the fault repeats"}},

	UnsupportedFormat: {Code: UnsupportedFormat, Message: "unsupported dataset format", Retryable: false, NextSteps: []string{"Convert to .csv or .xlsx and retry"}},
	PermissionDenied:  {Code: PermissionDenied, Message: "insufficient permissions to access path", Retryable: false, NextSteps: []string{"Adjust permissions or choose an allowed directory"}},
}

// lookup returns the catalog entry for a code.
func lookup(code Code) (Entry, bool) {
	e, ok := catalog[code]
	return e, ok
}

// normalize builds a standard error string including next steps for MCP clients that
// surface only a message string. Format: "CODE: message" followed by a guidance tail.
func normalize(code Code, msg string) string {
	base := strings.TrimSpace(msg)
	e, ok := lookup(code)
	if !ok {
		// Unknown code; preserve as-is
		if base == "" {
			return string(code)
		}
		return fmt.Sprintf("%s: %s", string(code), base)
	}
	if base == "" {
		base = e.Message
	}
	guidance := ""
	if len(e.NextSteps) > 0 {
		guidance = " | nextSteps: " + strings.Join(e.NextSteps, "; ")
	}
	return fmt.Sprintf("%s: %s%s", e.Code, base, guidance)
}

// FromText parses a "CODE: message" string, enriches it with catalog guidance,
// and returns an MCP tool error result.
func FromText(text string) *mcp.CallToolResult {
	t := strings.TrimSpace(text)
	if t == "" {
		return mcp.NewToolResultError(normalize(Validation, ""))
	}
	parts := strings.SplitN(t, ":", 2)
	code := Code(strings.TrimSpace(parts[0]))
	msg := ""
	if len(parts) > 1 {
		msg = strings.TrimSpace(parts[1])
	}
	return mcp.NewToolResultError(normalize(code, msg))
}

// New returns an MCP error result for a given code and optional message override.
func New(code Code, message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(normalize(code, message))
}

// Wrapf formats details and returns an MCP error result for the code.
func Wrapf(code Code, format string, args ...any) *mcp.CallToolResult {
	return mcp.NewToolResultError(normalize(code, fmt.Sprintf(format, args...)))
}

// IsInvalidSheet returns true if an error matches common excelize "sheet does not exist" messages.
func IsInvalidSheet(err error) bool {
	if err == nil {
		return false
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "doesn't exist") || strings.Contains(low, "does not exist")
}
