package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vinodismyname/frictionlab/config"
	"github.com/vinodismyname/frictionlab/internal/friction"
	"github.com/vinodismyname/frictionlab/internal/funnel"
	"github.com/vinodismyname/frictionlab/internal/telemetry"
)

// Message types exchanged with the unit.
const (
	TypeTrainModel  = "trainModel"
	TypeModelResult = "modelResult"
	TypeError       = "error"
)

// ErrNoDeals is returned by Submit when there is nothing to train on.
var ErrNoDeals = errors.New("training: no deals to train on")

// ErrClosed is returned by Submit after the unit stopped.
var ErrClosed = errors.New("training: unit closed")

// Request asks for a model fit over a deal set.
type Request struct {
	Type       string              `json:"type"`
	Deals      []funnel.DealRollup `json:"deals"`
	Categories friction.Categories `json:"categories"`
	// Revision is an opaque caller tag echoed in the response.
	Revision uint64 `json:"revision"`
}

// Response carries either a model result or an error message.
type Response struct {
	Type     string           `json:"type"`
	Result   *friction.Result `json:"result,omitempty"`
	Message  string           `json:"message,omitempty"`
	RunID    string           `json:"run_id"`
	Revision uint64           `json:"revision"`
	Elapsed  time.Duration    `json:"-"`
}

// TrainFunc fits a model; friction.Train in production.
type TrainFunc func(ctx context.Context, deals []funnel.DealRollup, cats friction.Categories, opts friction.Options) (friction.Result, error)

// Unit runs model training off the caller's path. Requests are debounced:
// a run starts only after the quiet period, and starting a run cancels the
// one in flight. Only the latest run ever produces a response.
type Unit struct {
	logger    zerolog.Logger
	debounce  time.Duration
	opts      friction.Options
	train     TrainFunc
	requests  chan Request
	responses chan Response
	stop      context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewUnit constructs a Unit. debounce <= 0 uses the configured default.
func NewUnit(logger zerolog.Logger, debounce time.Duration, opts friction.Options) *Unit {
	if debounce <= 0 {
		debounce = config.DefaultTrainingDebounce
	}
	return &Unit{
		logger:    logger,
		debounce:  debounce,
		opts:      opts,
		train:     friction.Train,
		requests:  make(chan Request),
		responses: make(chan Response, 1),
		done:      make(chan struct{}),
	}
}

// WithTrainFunc replaces the model fit, for tests.
func (u *Unit) WithTrainFunc(fn TrainFunc) *Unit {
	u.train = fn
	return u
}

// Start launches the unit's loop; it runs until ctx is done or Close is called.
func (u *Unit) Start(ctx context.Context) {
	u.startOnce.Do(func() {
		ctx, u.stop = context.WithCancel(ctx)
		go u.loop(ctx)
	})
}

// Close stops the loop and cancels any in-flight run.
func (u *Unit) Close() {
	u.stopOnce.Do(func() {
		if u.stop != nil {
			u.stop()
			<-u.done
		}
	})
}

// Responses delivers results of runs that were not superseded.
func (u *Unit) Responses() <-chan Response {
	return u.responses
}

// Submit posts a training request. Each request gets its own copy of the
// deal slice so callers may reuse theirs.
func (u *Unit) Submit(ctx context.Context, req Request) error {
	if len(req.Deals) == 0 {
		return ErrNoDeals
	}
	req.Type = TypeTrainModel
	req.Deals = append([]funnel.DealRollup(nil), req.Deals...)
	req.Categories = friction.Categories{
		Segments: append([]string(nil), req.Categories.Segments...),
		Regions:  append([]string(nil), req.Categories.Regions...),
	}
	select {
	case u.requests <- req:
		return nil
	case <-u.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Unit) loop(ctx context.Context) {
	defer close(u.done)

	timer := time.NewTimer(u.debounce)
	timer.Stop()
	var (
		pending   *Request
		timerC    <-chan time.Time
		current   string
		cancelRun context.CancelFunc
		results   = make(chan Response)
	)
	defer func() {
		timer.Stop()
		if cancelRun != nil {
			cancelRun()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-u.requests:
			pending = &req
			timer.Stop()
			timer.Reset(u.debounce)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			if pending == nil {
				continue
			}
			if cancelRun != nil {
				cancelRun()
				telemetry.ObserveTraining(telemetry.StatusSuperseded, 0)
				u.logger.Debug().Str("run_id", current).Msg("training run superseded")
			}
			current = uuid.NewString()
			var runCtx context.Context
			runCtx, cancelRun = context.WithCancel(ctx)
			u.logger.Debug().Str("run_id", current).Int("deals", len(pending.Deals)).Msg("training run started")
			go u.run(runCtx, current, *pending, results)
			pending = nil

		case res := <-results:
			if res.RunID != current {
				continue
			}
			cancelRun()
			cancelRun = nil
			current = ""
			u.record(res)
			select {
			case u.responses <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (u *Unit) run(ctx context.Context, runID string, req Request, out chan<- Response) {
	start := time.Now()
	res := u.execute(ctx, req)
	res.RunID = runID
	res.Revision = req.Revision
	res.Elapsed = time.Since(start)
	if ctx.Err() != nil {
		return
	}
	select {
	case out <- res:
	case <-ctx.Done():
	}
}

func (u *Unit) execute(ctx context.Context, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = Response{Type: TypeError, Message: fmt.Sprintf("training failed: %v", r)}
		}
	}()
	result, err := u.train(ctx, req.Deals, req.Categories, u.opts)
	if err != nil {
		return Response{Type: TypeError, Message: err.Error()}
	}
	return Response{Type: TypeModelResult, Result: &result}
}

func (u *Unit) record(res Response) {
	status, level := telemetry.StatusError, zerolog.WarnLevel
	if res.Type == TypeModelResult {
		status, level = telemetry.StatusFailed, zerolog.InfoLevel
		if res.Result.OK {
			status = telemetry.StatusReady
		}
	}
	telemetry.ObserveTraining(status, res.Elapsed)

	evt := u.logger.WithLevel(level).Str("run_id", res.RunID).Str("status", status).Dur("elapsed", res.Elapsed)
	switch {
	case res.Message != "":
		evt = evt.Str("error", res.Message)
	case res.Result != nil && !res.Result.OK:
		evt = evt.Str("reason", res.Result.Message)
	}
	evt.Msg("training run finished")
}
