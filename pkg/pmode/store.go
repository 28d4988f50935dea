package pmode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Change tells whether a mutation modified the store.
type Change bool

const (
	Unchanged Change = false
	Changed   Change = true
)

func (c Change) String() string {
	if c {
		return "changed"
	}
	return "unchanged"
}

// Store is the table of configured PModes. Implementations hand out copies
// and apply every mutation atomically with respect to readers.
type Store interface {
	// Create adds a new PMode. It fails with ErrDuplicateID when the ID exists.
	Create(ctx context.Context, p *PMode) error
	// Update replaces an existing PMode. An unknown ID is Unchanged.
	Update(ctx context.Context, p *PMode) (Change, error)
	// MarkDeleted soft deletes a PMode. An unknown ID is Unchanged.
	MarkDeleted(ctx context.Context, id string) (Change, error)
	// Delete removes a PMode. An unknown ID is Unchanged.
	Delete(ctx context.Context, id string) (Change, error)
	// FindByID returns a live PMode or ErrNotFound.
	FindByID(ctx context.Context, id string) (*PMode, error)
	// FindByServiceAndAction returns the first live PMode, in creation
	// order, accepted by the store's matcher, or ErrNotFound.
	FindByServiceAndAction(ctx context.Context, service, action string) (*PMode, error)
	// AllIDs lists the IDs of live PModes in creation order.
	AllIDs(ctx context.Context) ([]string, error)
}

// Matcher decides whether p serves the given service and action.
type Matcher func(p *PMode, service, action string) bool

// MatchLeg1 matches on the business information of leg 1.
func MatchLeg1(p *PMode, service, action string) bool {
	return p.Service() == service && p.Action() == action
}

// ReferenceChecker reports whether a PMode is referenced by in-flight work.
type ReferenceChecker interface {
	IsReferenced(pmodeID string) bool
}

// Journal makes store mutations durable. It is called under the store's
// write lock before a mutation becomes visible.
type Journal interface {
	PutPMode(p *PMode) error
	RemovePMode(id string) error
}

// MemoryStore is a map backed Store, optionally journaled.
type MemoryStore struct {
	mu      sync.RWMutex
	pmodes  map[string]*PMode
	order   []string
	match   Matcher
	refs    ReferenceChecker
	journal Journal
	now     func() time.Time
	logger  *slog.Logger
}

// StoreOption configures a MemoryStore.
type StoreOption func(*MemoryStore)

// WithMatcher replaces MatchLeg1 as the service/action predicate.
func WithMatcher(m Matcher) StoreOption {
	return func(s *MemoryStore) { s.match = m }
}

// WithReferenceChecker blocks deletion of referenced PModes.
func WithReferenceChecker(rc ReferenceChecker) StoreOption {
	return func(s *MemoryStore) { s.refs = rc }
}

// WithJournal makes the store durable.
func WithJournal(j Journal) StoreOption {
	return func(s *MemoryStore) { s.journal = j }
}

// WithClock overrides the time source for lifecycle timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *MemoryStore) { s.logger = logger }
}

// WithRecords seeds the store without journaling, e.g. from a replayed log.
// Records keep their timestamps.
func WithRecords(records ...*PMode) StoreOption {
	return func(s *MemoryStore) {
		for _, p := range records {
			if _, ok := s.pmodes[p.ID]; !ok {
				s.order = append(s.order, p.ID)
			}
			s.pmodes[p.ID] = p.Clone()
		}
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	s := &MemoryStore{
		pmodes: make(map[string]*PMode),
		match:  MatchLeg1,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// SetReferenceChecker installs rc after construction. The retry scheduler
// is usually built after the store it guards.
func (s *MemoryStore) SetReferenceChecker(rc ReferenceChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs = rc
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, p *PMode) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pmodes[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
	}
	rec := p.Clone()
	now := s.now().UTC()
	rec.CreatedAt = now
	rec.LastModifiedAt = now
	rec.DeletedAt = time.Time{}
	if err := s.persist(rec); err != nil {
		return err
	}
	s.pmodes[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	s.logger.Info("pmode created", slog.String("pmode_id", rec.ID))
	return nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, p *PMode) (Change, error) {
	if err := p.Validate(); err != nil {
		return Unchanged, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.pmodes[p.ID]
	if !exists {
		return Unchanged, nil
	}
	rec := p.Clone()
	rec.CreatedAt = old.CreatedAt
	rec.DeletedAt = old.DeletedAt
	rec.LastModifiedAt = s.now().UTC()
	if err := s.persist(rec); err != nil {
		return Unchanged, err
	}
	s.pmodes[rec.ID] = rec
	s.logger.Info("pmode updated", slog.String("pmode_id", rec.ID))
	return Changed, nil
}

// MarkDeleted implements Store.
func (s *MemoryStore) MarkDeleted(_ context.Context, id string) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.pmodes[id]
	if !exists || old.IsDeleted() {
		return Unchanged, nil
	}
	if s.refs != nil && s.refs.IsReferenced(id) {
		return Unchanged, fmt.Errorf("%w: %s", ErrInUse, id)
	}
	rec := old.Clone()
	rec.DeletedAt = s.now().UTC()
	rec.LastModifiedAt = rec.DeletedAt
	if err := s.persist(rec); err != nil {
		return Unchanged, err
	}
	s.pmodes[id] = rec
	s.logger.Info("pmode marked deleted", slog.String("pmode_id", id))
	return Changed, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pmodes[id]; !exists {
		return Unchanged, nil
	}
	if s.refs != nil && s.refs.IsReferenced(id) {
		return Unchanged, fmt.Errorf("%w: %s", ErrInUse, id)
	}
	if s.journal != nil {
		if err := s.journal.RemovePMode(id); err != nil {
			return Unchanged, fmt.Errorf("journaling removal of pmode %s: %w", id, err)
		}
	}
	delete(s.pmodes, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.logger.Info("pmode deleted", slog.String("pmode_id", id))
	return Changed, nil
}

func (s *MemoryStore) persist(p *PMode) error {
	if s.journal == nil {
		return nil
	}
	if err := s.journal.PutPMode(p); err != nil {
		return fmt.Errorf("journaling pmode %s: %w", p.ID, err)
	}
	return nil
}

// FindByID implements Store.
func (s *MemoryStore) FindByID(_ context.Context, id string) (*PMode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pmodes[id]
	if !ok || p.IsDeleted() {
		return nil, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	return p.Clone(), nil
}

// FindByServiceAndAction implements Store.
func (s *MemoryStore) FindByServiceAndAction(_ context.Context, service, action string) (*PMode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.order {
		p := s.pmodes[id]
		if !p.IsDeleted() && s.match(p, service, action) {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: service %q action %q", ErrNotFound, service, action)
}

// AllIDs implements Store.
func (s *MemoryStore) AllIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.order))
	for _, id := range s.order {
		if !s.pmodes[id].IsDeleted() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Snapshot returns copies of every record, soft deleted ones included, in
// creation order. Durable backends use it for compaction.
func (s *MemoryStore) Snapshot() []*PMode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*PMode, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.pmodes[id].Clone())
	}
	return out
}
