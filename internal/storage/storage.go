// Package storage defines the contract of the engine's durable backends.
//
// The engine keeps its PModes, MPCs and duplicate detection IDs in memory.
// A Backend makes those tables durable: it journals every mutation before
// it becomes visible and returns the persisted rows on startup so that the
// in-memory stores can be seeded from them.
//
// # Implementations
//
// The wal sub-package keeps the tables in local append-only logs. The
// mongodb sub-package keeps them in MongoDB collections and additionally
// offers a shared DuplicateStore for engines running on several nodes.
package storage

import (
	"context"

	"github.com/sirosfoundation/as4-engine/pkg/mpc"
	"github.com/sirosfoundation/as4-engine/pkg/pmode"
	"github.com/sirosfoundation/as4-engine/pkg/reliability"
)

// Backend is a durable home for the engine tables
type Backend interface {
	pmode.Journal
	mpc.Journal
	reliability.DuplicateJournal

	// Load returns every persisted row
	Load(ctx context.Context) (*Snapshot, error)

	// Close releases storage resources
	Close() error
}

// Snapshot is the persisted content of a Backend
type Snapshot struct {
	// PModes includes soft-deleted PModes so that their lifecycle
	// timestamps survive a restart.
	PModes     []*pmode.PMode
	MPCs       []*mpc.MPC
	Duplicates []*reliability.DuplicateItem
}
