package mpc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultID is the ebMS3 default message partition channel.
const DefaultID = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/defaultMPC"

var (
	// ErrDuplicateID is returned when creating an MPC that already exists
	ErrDuplicateID = errors.New("mpc already exists")
	// ErrNotFound is returned for unknown MPC IDs
	ErrNotFound = errors.New("mpc not found")
	// ErrDefaultMPC is returned when removing the default MPC
	ErrDefaultMPC = errors.New("default mpc cannot be removed")
)

// MPC is a message partition channel.
type MPC struct {
	ID             string
	CreatedAt      time.Time
	LastModifiedAt time.Time
	DeletedAt      time.Time
}

// IsDeleted reports whether the channel was soft deleted.
func (m *MPC) IsDeleted() bool {
	return !m.DeletedAt.IsZero()
}

// IsDefault reports whether this is the ebMS3 default channel.
func (m *MPC) IsDefault() bool {
	return m.ID == DefaultID
}

// Journal persists manager mutations before they become visible.
type Journal interface {
	PutMPC(m *MPC) error
	RemoveMPC(id string) error
}

// Manager is the table of known MPCs.
type Manager struct {
	mu      sync.RWMutex
	mpcs    map[string]*MPC
	journal Journal
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithJournal makes every mutation durable through j.
func WithJournal(j Journal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithRecords seeds the manager, typically from a replayed journal.
func WithRecords(records ...*MPC) Option {
	return func(m *Manager) {
		for _, r := range records {
			c := *r
			m.mpcs[r.ID] = &c
		}
	}
}

// NewManager creates a manager that contains at least the default MPC.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		mpcs: make(map[string]*MPC),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if _, ok := m.mpcs[DefaultID]; !ok {
		now := m.timestamp()
		m.mpcs[DefaultID] = &MPC{ID: DefaultID, CreatedAt: now, LastModifiedAt: now}
	}
	return m
}

func (m *Manager) timestamp() time.Time {
	return m.now().UTC()
}

// Create registers a new channel.
func (m *Manager) Create(id string) (*MPC, error) {
	if id == "" {
		return nil, errors.New("mpc id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.mpcs[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	now := m.timestamp()
	rec := &MPC{ID: id, CreatedAt: now, LastModifiedAt: now}
	if m.journal != nil {
		if err := m.journal.PutMPC(rec); err != nil {
			return nil, fmt.Errorf("journaling mpc %s: %w", id, err)
		}
	}
	m.mpcs[id] = rec
	m.logger.Debug("mpc created", slog.String("mpc_id", id))

	c := *rec
	return &c, nil
}

// MarkDeleted soft deletes a channel. It reports false when the channel is
// unknown or already deleted.
func (m *Manager) MarkDeleted(id string) (bool, error) {
	if id == DefaultID {
		return false, ErrDefaultMPC
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.mpcs[id]
	if !ok || rec.IsDeleted() {
		return false, nil
	}
	updated := *rec
	updated.DeletedAt = m.timestamp()
	updated.LastModifiedAt = updated.DeletedAt
	if m.journal != nil {
		if err := m.journal.PutMPC(&updated); err != nil {
			return false, fmt.Errorf("journaling mpc %s: %w", id, err)
		}
	}
	m.mpcs[id] = &updated
	return true, nil
}

// Delete removes a channel record. It reports false when the channel is unknown.
func (m *Manager) Delete(id string) (bool, error) {
	if id == DefaultID {
		return false, ErrDefaultMPC
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.mpcs[id]; !ok {
		return false, nil
	}
	if m.journal != nil {
		if err := m.journal.RemoveMPC(id); err != nil {
			return false, fmt.Errorf("journaling mpc %s: %w", id, err)
		}
	}
	delete(m.mpcs, id)
	return true, nil
}

// Get returns a copy of a live channel.
func (m *Manager) Get(id string) (*MPC, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.mpcs[id]
	if !ok || rec.IsDeleted() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c := *rec
	return &c, nil
}

// Contains reports whether id names a live channel.
func (m *Manager) Contains(id string) bool {
	_, err := m.Get(id)
	return err == nil
}

// GetOrDefault resolves id, using the default MPC when id is empty.
// It returns nil for unknown or deleted channels.
func (m *Manager) GetOrDefault(id string) *MPC {
	if id == "" {
		id = DefaultID
	}
	rec, err := m.Get(id)
	if err != nil {
		return nil
	}
	return rec
}

// All returns copies of every record, including soft deleted ones.
func (m *Manager) All() []*MPC {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*MPC, 0, len(m.mpcs))
	for _, rec := range m.mpcs {
		c := *rec
		out = append(out, &c)
	}
	return out
}
