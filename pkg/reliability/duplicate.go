package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/beevik/etree"
)

// DuplicateElementName is the tag of a persisted DuplicateItem.
const DuplicateElementName = "DuplicateItem"

// DuplicateItem records the first time a message ID was accepted.
type DuplicateItem struct {
	MessageID string
	FirstSeen time.Time
}

// ToElement renders the item in its persisted layout.
func (d *DuplicateItem) ToElement() *etree.Element {
	el := etree.NewElement(DuplicateElementName)
	el.CreateAttr("messageId", d.MessageID)
	el.CreateAttr("firstSeen", d.FirstSeen.UTC().Format(time.RFC3339Nano))
	return el
}

// DuplicateItemFromElement reads an item written by ToElement.
func DuplicateItemFromElement(el *etree.Element) (*DuplicateItem, error) {
	if el == nil || el.Tag != DuplicateElementName {
		return nil, fmt.Errorf("expected <%s> element", DuplicateElementName)
	}
	id := el.SelectAttrValue("messageId", "")
	if id == "" {
		return nil, fmt.Errorf("<%s> without messageId", DuplicateElementName)
	}
	ts, err := time.Parse(time.RFC3339Nano, el.SelectAttrValue("firstSeen", ""))
	if err != nil {
		return nil, fmt.Errorf("parsing firstSeen: %w", err)
	}
	return &DuplicateItem{MessageID: id, FirstSeen: ts}, nil
}

// DuplicateStore is the set of message IDs that were already accepted.
type DuplicateStore interface {
	// RecordIfNew inserts id and reports whether it was absent. For
	// concurrent calls with the same id exactly one observes true.
	RecordIfNew(ctx context.Context, messageID string) (bool, error)
	// Seen reports whether id is recorded, without recording it.
	Seen(ctx context.Context, messageID string) (bool, error)
	// EvictBefore removes and returns every entry first seen strictly
	// before cutoff.
	EvictBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// DuplicateJournal persists duplicate store mutations before they become
// visible.
type DuplicateJournal interface {
	PutDuplicate(item *DuplicateItem) error
	RemoveDuplicates(ids []string) error
}

// MemoryDuplicateStore is a DuplicateStore backed by a map, optionally made
// durable by a DuplicateJournal.
type MemoryDuplicateStore struct {
	mu      sync.RWMutex
	items   map[string]time.Time
	journal DuplicateJournal
	now     func() time.Time
	logger  *slog.Logger
}

// DuplicateOption configures a MemoryDuplicateStore
type DuplicateOption func(*MemoryDuplicateStore)

// WithDuplicateJournal makes every insert and eviction durable through j.
func WithDuplicateJournal(j DuplicateJournal) DuplicateOption {
	return func(s *MemoryDuplicateStore) { s.journal = j }
}

// WithDuplicateClock overrides the time source.
func WithDuplicateClock(now func() time.Time) DuplicateOption {
	return func(s *MemoryDuplicateStore) { s.now = now }
}

// WithDuplicateLogger sets the logger
func WithDuplicateLogger(logger *slog.Logger) DuplicateOption {
	return func(s *MemoryDuplicateStore) { s.logger = logger }
}

// WithDuplicateRecords seeds the store, typically from a replayed journal.
func WithDuplicateRecords(items ...*DuplicateItem) DuplicateOption {
	return func(s *MemoryDuplicateStore) {
		for _, it := range items {
			s.items[it.MessageID] = it.FirstSeen
		}
	}
}

// NewMemoryDuplicateStore creates an empty store.
func NewMemoryDuplicateStore(opts ...DuplicateOption) *MemoryDuplicateStore {
	s := &MemoryDuplicateStore{
		items: make(map[string]time.Time),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "duplicates"))
	return s
}

// RecordIfNew implements DuplicateStore. The journal write happens under the
// write lock, so an ID is only visible once it is durable.
func (s *MemoryDuplicateStore) RecordIfNew(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, errors.New("message id is required")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	_, seen := s.items[messageID]
	s.mu.RUnlock()
	if seen {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.items[messageID]; seen {
		return false, nil
	}
	item := &DuplicateItem{MessageID: messageID, FirstSeen: s.now().UTC()}
	if s.journal != nil {
		if err := s.journal.PutDuplicate(item); err != nil {
			return false, fmt.Errorf("journaling duplicate %s: %w", messageID, err)
		}
	}
	s.items[messageID] = item.FirstSeen
	return true, nil
}

// Seen implements DuplicateStore.
func (s *MemoryDuplicateStore) Seen(ctx context.Context, messageID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Contains(messageID), nil
}

// EvictBefore implements DuplicateStore.
func (s *MemoryDuplicateStore) EvictBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []string
	for id, seen := range s.items {
		if seen.Before(cutoff) {
			evicted = append(evicted, id)
		}
	}
	if len(evicted) == 0 {
		return nil, nil
	}
	sort.Strings(evicted)
	if s.journal != nil {
		if err := s.journal.RemoveDuplicates(evicted); err != nil {
			return nil, fmt.Errorf("journaling eviction: %w", err)
		}
	}
	for _, id := range evicted {
		delete(s.items, id)
	}
	return evicted, nil
}

// Contains reports whether id is currently recorded.
func (s *MemoryDuplicateStore) Contains(messageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[messageID]
	return ok
}

// Items returns a snapshot of the store ordered by first-seen time.
func (s *MemoryDuplicateStore) Items() []*DuplicateItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*DuplicateItem, 0, len(s.items))
	for id, seen := range s.items {
		out = append(out, &DuplicateItem{MessageID: id, FirstSeen: seen})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}

// Len returns the number of recorded IDs.
func (s *MemoryDuplicateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// NewEvictionJob returns a maintenance job that evicts every ID first seen
// more than window ago. Listeners receive the evicted IDs of each run. The
// job is idempotent.
func NewEvictionJob(store DuplicateStore, window time.Duration, now func() time.Time, logger *slog.Logger, listeners ...func(ids []string)) func(context.Context) error {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "duplicate-eviction"))
	return func(ctx context.Context) error {
		cutoff := now().Add(-window)
		evicted, err := store.EvictBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("evicting duplicates: %w", err)
		}
		if len(evicted) > 0 {
			logger.Debug("evicted duplicate entries",
				slog.Int("count", len(evicted)),
				slog.Time("cutoff", cutoff))
			for _, l := range listeners {
				l(evicted)
			}
		}
		return nil
	}
}
