package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/vinodismyname/frictionlab/internal/dataset"
	"github.com/vinodismyname/frictionlab/internal/friction"
	"github.com/vinodismyname/frictionlab/internal/funnel"
	"github.com/vinodismyname/frictionlab/internal/runtime"
	"github.com/vinodismyname/frictionlab/internal/security"
	"github.com/vinodismyname/frictionlab/pkg/mcperr"
)

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Limits   runtime.Limits
	Logger   zerolog.Logger
	Training friction.Options
	Rollup   funnel.RollupOptions
}

// Service implements the dataset tools. Each loaded dataset owns a session
// that lives until the dataset is closed or evicted.
type Service struct {
	ctx      context.Context
	mgr      *dataset.Manager
	limits   runtime.Limits
	logger   zerolog.Logger
	training friction.Options
	rollup   funnel.RollupOptions

	mu       sync.Mutex
	sessions map[string]*session
}

// NewService binds the tool handlers to a dataset manager. Sessions run
// under ctx and stop when it is cancelled.
func NewService(ctx context.Context, mgr *dataset.Manager, opts ServiceOptions) *Service {
	if opts.Training.Iterations == 0 {
		opts.Training = friction.DefaultOptions()
	}
	s := &Service{
		ctx:      ctx,
		mgr:      mgr,
		limits:   opts.Limits,
		logger:   opts.Logger,
		training: opts.Training,
		rollup:   opts.Rollup,
		sessions: map[string]*session{},
	}
	mgr.OnEvict(s.dropSession)
	return s
}

// Close stops every session.
func (s *Service) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = map[string]*session{}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
}

func (s *Service) addSession(id string, ds *dataset.Dataset) *session {
	sess := newSession(s.ctx, id, ds, s.logger, s.limits.TrainingDebounce, s.training)
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	return sess
}

func (s *Service) dropSession(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		sess.close()
		s.logger.Debug().Str("dataset_id", id).Msg("dataset session closed")
	}
}

// session resolves a dataset ID and refreshes its idle deadline. A nil
// session comes with the tool error to return.
func (s *Service) session(id string) (*session, *mcp.CallToolResult) {
	if _, ok := s.mgr.Get(id); !ok {
		return nil, mcperr.New(mcperr.InvalidHandle, "")
	}
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, mcperr.New(mcperr.InvalidHandle, "")
	}
	return sess, nil
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.logger
}

// loadError maps loader, security and capacity failures to tool errors.
// Context errors are returned as Go errors so the middleware reports a timeout.
func (s *Service) loadError(err error) (*mcp.CallToolResult, error) {
	var missing *dataset.MissingColumnsError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nil, err
	case errors.Is(err, runtime.ErrDatasetCapacity):
		return mcperr.Wrapf(mcperr.LimitExceeded, "open dataset limit reached (max=%d); close a dataset first", s.limits.MaxOpenDatasets), nil
	case errors.Is(err, dataset.ErrTooManyRows):
		return mcperr.Wrapf(mcperr.LimitExceeded, "dataset exceeds %d rows", s.limits.MaxRowsPerLoad), nil
	case errors.Is(err, security.ErrNotAllowed):
		return mcperr.New(mcperr.PermissionDenied, "path is outside the allowed directories"), nil
	case errors.Is(err, security.ErrNotFound):
		return mcperr.New(mcperr.NotFound, ""), nil
	case errors.Is(err, security.ErrUnsupportedExtension), errors.Is(err, dataset.ErrUnsupportedFormat):
		return mcperr.New(mcperr.UnsupportedFormat, ""), nil
	case errors.As(err, &missing):
		return mcperr.New(mcperr.MissingColumns, strings.Join(missing.Columns, ", ")), nil
	case mcperr.IsInvalidSheet(err):
		return mcperr.New(mcperr.InvalidSheet, ""), nil
	}
	return mcperr.New(mcperr.LoadFailed, fmt.Sprintf("%v", err)), nil
}
