package pmode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Query carries the identifying tuple of a message.
type Query struct {
	PModeID      string
	Service      string
	Action       string
	InitiatorID  string
	ResponderID  string
	AgreementRef string
	Address      string
}

// DefaultSupplier synthesizes a PMode when nothing configured matches.
// It returns ErrNotFound when it has no template to offer.
type DefaultSupplier interface {
	DefaultPMode(q Query) (*PMode, error)
}

// Resolver maps a message to the PMode that governs it.
type Resolver struct {
	store    Store
	defaults DefaultSupplier
	logger   *slog.Logger
}

// NewResolver creates a resolver over store. defaults may be nil.
func NewResolver(store Store, defaults DefaultSupplier, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, defaults: defaults, logger: logger}
}

// FindPMode resolves by explicit ID, then by service and action, then by
// the default supplier. The synthesized PMode is not stored. A miss
// returns an error wrapping ErrNotFound, which callers must treat as a
// permanent failure.
func (r *Resolver) FindPMode(ctx context.Context, q Query) (*PMode, error) {
	if q.PModeID != "" {
		p, err := r.store.FindByID(ctx, q.PModeID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("looking up pmode %s: %w", q.PModeID, err)
		}
	}

	p, err := r.store.FindByServiceAndAction(ctx, q.Service, q.Action)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("looking up pmode for %s/%s: %w", q.Service, q.Action, err)
	}

	if r.defaults != nil {
		p, err := r.defaults.DefaultPMode(q)
		if err == nil {
			r.logger.Debug("using default pmode",
				slog.String("pmode_id", p.ID),
				slog.String("service", q.Service),
				slog.String("action", q.Action))
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("creating default pmode: %w", err)
		}
	}

	return nil, fmt.Errorf("%w: id %q service %q action %q", ErrNotFound, q.PModeID, q.Service, q.Action)
}
