package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/vinodismyname/frictionlab/config"
	"golang.org/x/sync/semaphore"
)

// ErrDatasetCapacity reports that every open dataset slot is taken.
var ErrDatasetCapacity = errors.New("runtime: open dataset limit reached")

// Limits captures the concurrency and dataset guardrails configured for the server.
type Limits struct {
	// Concurrency caps
	MaxConcurrentRequests int
	MaxOpenDatasets       int

	// Payload and row bounds
	MaxPayloadBytes int
	MaxRowsPerLoad  int
	DealPageSize    int
	MaxDealPageSize int

	// Timeouts
	OperationTimeout      time.Duration
	AcquireRequestTimeout time.Duration

	// Training isolation
	TrainingDebounce time.Duration
}

// NewLimits initializes Limits with sensible fallbacks when values are unset.
func NewLimits(maxConcurrentRequests, maxOpenDatasets int) Limits {
	if maxConcurrentRequests <= 0 {
		maxConcurrentRequests = config.DefaultMaxConcurrentRequests
	}
	if maxOpenDatasets <= 0 {
		maxOpenDatasets = config.DefaultMaxOpenDatasets
	}

	return Limits{
		MaxConcurrentRequests: maxConcurrentRequests,
		MaxOpenDatasets:       maxOpenDatasets,
		MaxPayloadBytes:       config.DefaultMaxPayloadBytes,
		MaxRowsPerLoad:        config.DefaultMaxRowsPerLoad,
		DealPageSize:          config.DefaultDealPageSize,
		MaxDealPageSize:       config.DefaultMaxDealPageSize,
		OperationTimeout:      config.DefaultOperationTimeout,
		AcquireRequestTimeout: config.DefaultAcquireRequestTimeout,
		TrainingDebounce:      config.DefaultTrainingDebounce,
	}
}

// ClampPageSize bounds a requested deal page size to the configured range.
func (l Limits) ClampPageSize(requested int) int {
	if requested <= 0 {
		return l.DealPageSize
	}
	if requested > l.MaxDealPageSize {
		return l.MaxDealPageSize
	}
	return requested
}

// Controller coordinates runtime semaphores for request and dataset guardrails.
type Controller struct {
	limits           Limits
	requestSemaphore *semaphore.Weighted
	datasetSemaphore *semaphore.Weighted
}

// NewController constructs a Controller backed by weighted semaphores.
func NewController(limits Limits) *Controller {
	return &Controller{
		limits:           limits,
		requestSemaphore: semaphore.NewWeighted(int64(limits.MaxConcurrentRequests)),
		datasetSemaphore: semaphore.NewWeighted(int64(limits.MaxOpenDatasets)),
	}
}

// AcquireRequest reserves capacity for an incoming request.
func (c *Controller) AcquireRequest(ctx context.Context) error {
	return c.requestSemaphore.Acquire(ctx, 1)
}

// ReleaseRequest frees previously-acquired request capacity.
func (c *Controller) ReleaseRequest() {
	c.requestSemaphore.Release(1)
}

// AcquireDataset reserves an open dataset slot without waiting.
// Loading beyond capacity fails fast; callers close a dataset to make room.
func (c *Controller) AcquireDataset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.datasetSemaphore.TryAcquire(1) {
		return ErrDatasetCapacity
	}
	return nil
}

// ReleaseDataset frees an open dataset slot.
func (c *Controller) ReleaseDataset() {
	c.datasetSemaphore.Release(1)
}

// LimitsSnapshot exposes the configured guardrails for telemetry and discovery.
func (c *Controller) LimitsSnapshot() Limits {
	return c.limits
}
