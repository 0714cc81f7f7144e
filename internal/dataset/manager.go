package dataset

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vinodismyname/frictionlab/config"
	"github.com/vinodismyname/frictionlab/internal/telemetry"
)

// Handle pairs a loaded dataset with metadata for idle eviction.
type Handle struct {
	ID        string
	Path      string
	Dataset   *Dataset
	LoadedAt  time.Time
	ExpiresAt time.Time
	mu        sync.RWMutex
}

// Gate coordinates capacity for open datasets (backed by runtime.Controller).
type Gate interface {
	AcquireDataset(ctx context.Context) error
	ReleaseDataset()
}

// PathValidator abstracts filesystem path validation. Implementations return a
// canonical absolute path if allowed, or an error when denied.
type PathValidator interface {
	ValidateOpenPath(path string) (string, error)
}

// ErrHandleNotFound indicates an unknown or expired dataset ID.
var ErrHandleNotFound = errors.New("dataset: handle not found")

// Manager owns loaded datasets keyed by opaque IDs and evicts idle ones.
type Manager struct {
	mu           sync.RWMutex
	handles      map[string]*Handle
	ttl          time.Duration
	cleanupEvery time.Duration
	clock        func() time.Time
	gate         Gate
	validator    PathValidator
	onEvict      []func(id string)
	stopCh       chan struct{}
	stopOnce     sync.Once
	cleanupWG    sync.WaitGroup
}

// NewManager constructs a dataset manager. Pass ttl or cleanupEvery <= 0 to use
// defaults from config. Gate can be nil for tests; clock defaults to time.Now.
func NewManager(ttl, cleanupEvery time.Duration, gate Gate, clock func() time.Time) *Manager {
	if ttl <= 0 {
		ttl = config.DefaultDatasetIdleTTL
	}
	if cleanupEvery <= 0 {
		cleanupEvery = config.DefaultDatasetCleanupPeriod
	}
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		handles:      make(map[string]*Handle),
		ttl:          ttl,
		cleanupEvery: cleanupEvery,
		clock:        clock,
		gate:         gate,
		stopCh:       make(chan struct{}),
	}
}

// WithValidator sets the path validator consulted by Open.
func (m *Manager) WithValidator(v PathValidator) *Manager {
	m.validator = v
	return m
}

// OnEvict registers a callback run after a dataset leaves the manager, whether
// closed explicitly, expired or dropped at shutdown.
func (m *Manager) OnEvict(fn func(id string)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.onEvict = append(m.onEvict, fn)
	m.mu.Unlock()
}

// Start launches periodic eviction of idle datasets.
func (m *Manager) Start() {
	m.cleanupWG.Add(1)
	ticker := time.NewTicker(m.cleanupEvery)
	go func() {
		defer m.cleanupWG.Done()
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.EvictExpired()
			}
		}
	}()
}

// Close stops background cleanup and drops every dataset.
func (m *Manager) Close(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	done := make(chan struct{})
	go func() { m.cleanupWG.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.CloseHandle(ctx, id)
	}
	return nil
}

// Open loads the dataset at path and registers it. Capacity is enforced through
// the gate and the path through the validator when configured.
func (m *Manager) Open(ctx context.Context, path string, opts Options) (*Handle, error) {
	if m.validator != nil {
		canonical, err := m.validator.ValidateOpenPath(path)
		if err != nil {
			return nil, err
		}
		path = canonical
	}
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}

	ds, err := Load(ctx, path, opts)
	if err != nil {
		m.release()
		return nil, err
	}
	telemetry.RowsDroppedTotal.Add(float64(ds.Summary.DroppedRowCount))
	return m.register(path, ds), nil
}

func (m *Manager) register(path string, ds *Dataset) *Handle {
	now := m.clock()
	h := &Handle{
		ID:        uuid.NewString(),
		Path:      path,
		Dataset:   ds,
		LoadedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	m.mu.Lock()
	m.handles[h.ID] = h
	n := len(m.handles)
	m.mu.Unlock()
	telemetry.DatasetsOpen.Set(float64(n))
	return h
}

// Get returns the handle when present and refreshes its idle deadline.
func (m *Manager) Get(id string) (*Handle, bool) {
	m.mu.RLock()
	h, ok := m.handles[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	now := m.clock()
	h.mu.Lock()
	h.ExpiresAt = now.Add(m.ttl)
	h.mu.Unlock()
	return h, true
}

// WithRead runs fn under the handle's shared lock. CloseHandle waits for fn to
// return before it drops the rows and runs the eviction hooks.
func (m *Manager) WithRead(id string, fn func(*Dataset) error) error {
	h, ok := m.Get(id)
	if !ok {
		return ErrHandleNotFound
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.Dataset == nil {
		return ErrHandleNotFound
	}
	return fn(h.Dataset)
}

// CloseHandle removes a dataset by ID and releases its capacity.
func (m *Manager) CloseHandle(ctx context.Context, id string) error {
	m.mu.Lock()
	h, ok := m.handles[id]
	if ok {
		delete(m.handles, id)
	}
	n := len(m.handles)
	hooks := append([]func(string){}, m.onEvict...)
	m.mu.Unlock()
	if !ok {
		return ErrHandleNotFound
	}

	// In-flight readers finish before the rows go and the hooks run.
	h.mu.Lock()
	h.Dataset = nil
	h.mu.Unlock()

	m.release()
	telemetry.DatasetsOpen.Set(float64(n))
	for _, fn := range hooks {
		fn(id)
	}
	return nil
}

// EvictExpired drops every dataset whose idle deadline has passed.
func (m *Manager) EvictExpired() {
	now := m.clock()
	var expired []string

	m.mu.RLock()
	for id, h := range m.handles {
		if h.Expired(now) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		_ = m.CloseHandle(context.Background(), id)
	}
}

// Count returns the number of open datasets.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handles)
}

func (m *Manager) acquire(ctx context.Context) error {
	if m.gate == nil {
		return nil
	}
	return m.gate.AcquireDataset(ctx)
}

func (m *Manager) release() {
	if m.gate == nil {
		return
	}
	m.gate.ReleaseDataset()
}

// Expired reports whether the handle has passed its idle deadline.
func (h *Handle) Expired(now time.Time) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return now.After(h.ExpiresAt)
}
