package config

import "time"

// Default runtime limits and guardrails for the frictionlab server.
// These values are conservative and can be overridden by flags at startup.
// They are referenced by internal/runtime, internal/dataset and internal/training.

const (
	// Concurrency
	DefaultMaxConcurrentRequests = 10
	DefaultMaxOpenDatasets       = 4

	// Payload and row limits
	DefaultMaxPayloadBytes = 128 * 1024 // 128KB
	DefaultMaxRowsPerLoad  = 500_000
	DefaultDealPageSize    = 50
	DefaultMaxDealPageSize = 500
)

const (
	// Timeouts
	DefaultOperationTimeout      = 30 * time.Second
	DefaultAcquireRequestTimeout = 2 * time.Second

	// Dataset handle cache
	DefaultDatasetIdleTTL       = 30 * time.Minute
	DefaultDatasetCleanupPeriod = time.Minute
)

const (
	// Friction model training
	DefaultTrainingSeed          = 42
	DefaultTrainingIterations    = 700
	DefaultTrainingLearningRate  = 0.15
	DefaultTrainingL2            = 0.15
	DefaultTrainingMinDeals      = 50
	DefaultTrainingTrainFraction = 0.8
	DefaultTrainingMaxDrivers    = 8
	DefaultTrainingDebounce      = 300 * time.Millisecond

	// train_friction_model waits this long for a result unless told otherwise
	DefaultTrainingWait = 5 * time.Second
	MaxTrainingWait     = 25 * time.Second
)

const (
	// Insights and breakdowns
	DefaultMaxInsightCards       = 6
	DefaultSegmentRiskMinDeals   = 30
	DefaultBreakdownMinFromCount = 20
	DefaultBreakdownMaxGroups    = 6

	// Loader diagnostics
	DefaultInvalidRowPreviewLimit = 5
	DefaultReaderWarningLimit     = 10
)
