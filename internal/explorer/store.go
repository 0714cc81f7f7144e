package explorer

import (
	"sync"

	"github.com/vinodismyname/frictionlab/internal/dataset"
	"github.com/vinodismyname/frictionlab/internal/friction"
	"github.com/vinodismyname/frictionlab/internal/funnel"
)

// All disables a filter dimension.
const All = "All"

// Source records where the loaded rows came from.
type Source string

const (
	SourceNone Source = "none"
	SourceFile Source = "file"
)

// ModelStatus tracks the friction model lifecycle for the loaded data.
type ModelStatus string

const (
	ModelIdle     ModelStatus = "idle"
	ModelTraining ModelStatus = "training"
	ModelReady    ModelStatus = "ready"
	ModelError    ModelStatus = "error"
)

// Filters narrows the deals in view. Each dimension is All or an exact value.
type Filters struct {
	Segment            string `json:"segment"`
	Region             string `json:"region"`
	SellerTenureBucket string `json:"seller_tenure_bucket"`
	Outcome            string `json:"outcome"`
}

// DefaultFilters shows every deal.
func DefaultFilters() Filters {
	return Filters{Segment: All, Region: All, SellerTenureBucket: All, Outcome: All}
}

// FilterPatch updates only the non-nil dimensions.
type FilterPatch struct {
	Segment            *string
	Region             *string
	SellerTenureBucket *string
	Outcome            *string
}

func (f Filters) apply(p FilterPatch) Filters {
	if p.Segment != nil {
		f.Segment = *p.Segment
	}
	if p.Region != nil {
		f.Region = *p.Region
	}
	if p.SellerTenureBucket != nil {
		f.SellerTenureBucket = *p.SellerTenureBucket
	}
	if p.Outcome != nil {
		f.Outcome = *p.Outcome
	}
	return f
}

// Match reports whether a deal passes every active filter.
func (f Filters) Match(d funnel.DealRollup) bool {
	return matches(f.Segment, d.Segment) &&
		matches(f.Region, d.Region) &&
		matches(f.SellerTenureBucket, d.SellerTenureBucket) &&
		matches(f.Outcome, string(d.Outcome))
}

func matches(filter, value string) bool {
	return filter == "" || filter == All || filter == value
}

// LoadArgs carries a freshly parsed dataset into the store.
type LoadArgs struct {
	Source     Source
	StageRows  []funnel.StageRow
	Deals      []funnel.DealRollup
	Summary    dataset.ParseSummary
	Categories friction.Categories
}

// State is an immutable snapshot of the store.
type State struct {
	Source      Source
	StageRows   []funnel.StageRow
	Deals       []funnel.DealRollup
	Summary     *dataset.ParseSummary
	LoadError   string
	Categories  friction.Categories
	Filters     Filters
	ModelStatus ModelStatus
	ModelResult *friction.Result
	// Revision increments on every change.
	Revision uint64
}

// Store is the caller-owned explorer state. Every action replaces the
// affected fields; slices handed in are never mutated.
type Store struct {
	mu    sync.RWMutex
	state State
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{state: emptyState()}
}

func emptyState() State {
	return State{
		Source:      SourceNone,
		StageRows:   []funnel.StageRow{},
		Deals:       []funnel.DealRollup{},
		Categories:  friction.Categories{Segments: []string{}, Regions: []string{}},
		Filters:     DefaultFilters(),
		ModelStatus: ModelIdle,
	}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Store) update(fn func(*State)) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	s.state.Revision++
	return s.state
}

// SetFilters merges the patch into the current filters.
func (s *Store) SetFilters(p FilterPatch) State {
	return s.update(func(st *State) { st.Filters = st.Filters.apply(p) })
}

// LoadData replaces the dataset and resets filters and the model.
func (s *Store) LoadData(args LoadArgs) State {
	return s.update(func(st *State) {
		rev := st.Revision
		summary := args.Summary
		*st = emptyState()
		st.Revision = rev
		st.Source = args.Source
		st.StageRows = args.StageRows
		st.Deals = args.Deals
		st.Summary = &summary
		st.Categories = args.Categories
	})
}

// SetLoadError records a failed load; an empty message clears it.
func (s *Store) SetLoadError(message string) State {
	return s.update(func(st *State) { st.LoadError = message })
}

// ClearData drops everything back to the empty state.
func (s *Store) ClearData() State {
	return s.update(func(st *State) {
		rev := st.Revision
		*st = emptyState()
		st.Revision = rev
	})
}

// SetModelTraining marks a run in flight. The previous result is kept.
func (s *Store) SetModelTraining() State {
	return s.update(func(st *State) { st.ModelStatus = ModelTraining })
}

// SetModelResult stores a finished run; a failure result moves to error.
func (s *Store) SetModelResult(r friction.Result) State {
	return s.update(func(st *State) {
		st.ModelResult = &r
		if r.OK {
			st.ModelStatus = ModelReady
		} else {
			st.ModelStatus = ModelError
		}
	})
}

// SetModelError records a run that failed outside the model.
func (s *Store) SetModelError(message string) State {
	return s.update(func(st *State) {
		r := friction.Failed(message)
		st.ModelResult = &r
		st.ModelStatus = ModelError
	})
}
