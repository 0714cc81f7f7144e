package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vinodismyname/frictionlab/internal/dataset"
	"github.com/vinodismyname/frictionlab/internal/explorer"
	"github.com/vinodismyname/frictionlab/internal/friction"
	"github.com/vinodismyname/frictionlab/internal/training"
)

// session binds one loaded dataset to its explorer state and training unit.
// Training responses are applied to the store by a single consumer goroutine.
type session struct {
	id     string
	store  *explorer.Store
	unit   *training.Unit
	cancel context.CancelFunc
	done   chan struct{}

	submitMu sync.Mutex

	mu      sync.Mutex
	seq     uint64
	applied uint64
	fault   string
	notify  chan struct{}
}

func newSession(ctx context.Context, id string, ds *dataset.Dataset, logger zerolog.Logger, debounce time.Duration, opts friction.Options) *session {
	ctx, cancel := context.WithCancel(ctx)
	unit := training.NewUnit(logger.With().Str("dataset_id", id).Logger(), debounce, opts)
	unit.Start(ctx)

	store := explorer.NewStore()
	store.LoadData(explorer.LoadArgs{
		Source:     explorer.SourceFile,
		StageRows:  ds.StageRows,
		Deals:      ds.Deals,
		Summary:    ds.Summary,
		Categories: ds.Categories,
	})

	s := &session{
		id:     id,
		store:  store,
		unit:   unit,
		cancel: cancel,
		done:   make(chan struct{}),
		notify: make(chan struct{}),
	}
	go s.consume(ctx)
	return s
}

func (s *session) consume(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-s.unit.Responses():
			s.apply(res)
		}
	}
}

func (s *session) apply(res training.Response) {
	if res.Type == training.TypeModelResult && res.Result != nil {
		s.store.SetModelResult(*res.Result)
	} else {
		s.store.SetModelError(res.Message)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if res.Revision > s.applied {
		s.applied = res.Revision
	}
	s.fault = ""
	if res.Type == training.TypeError {
		s.fault = res.Message
	}
	close(s.notify)
	s.notify = make(chan struct{})
}

// retrain submits the filtered deals for training. It reports false when no
// deal is in view, in which case nothing is submitted.
func (s *session) retrain(ctx context.Context) (bool, error) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	st := s.store.Snapshot()
	deals := explorer.FilterDeals(st.Deals, st.Filters)
	if len(deals) == 0 {
		return false, nil
	}

	s.mu.Lock()
	s.seq++
	rev := s.seq
	s.mu.Unlock()

	s.store.SetModelTraining()
	err := s.unit.Submit(ctx, training.Request{Deals: deals, Categories: st.Categories, Revision: rev})
	if err != nil {
		s.apply(training.Response{Type: training.TypeError, Message: "training request rejected: " + err.Error(), Revision: rev})
		return false, err
	}
	return true, nil
}

// settled reports whether the latest submitted request has been answered.
func (s *session) settled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied >= s.seq
}

// wait blocks until the latest submission is answered or d elapses.
func (s *session) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		s.mu.Lock()
		ok := s.applied >= s.seq
		ch := s.notify
		s.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-ch:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (s *session) lastFault() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

func (s *session) close() {
	s.cancel()
	s.unit.Close()
	<-s.done
}
