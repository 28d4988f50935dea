package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/sirosfoundation/as4-engine/internal/config"
	"github.com/sirosfoundation/as4-engine/internal/storage"
	"github.com/sirosfoundation/as4-engine/internal/storage/mongodb"
	"github.com/sirosfoundation/as4-engine/internal/storage/wal"
)

// openBackend returns the configured persistence backend, or nil for the
// memory backend.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendWAL:
		st, err := wal.Open(wal.Config{
			Dir:          filepath.Join(cfg.DataPath, "wal"),
			CompactAfter: cfg.Storage.WAL.CompactAfter,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("opening wal: %w", err)
		}
		return st, nil
	case config.BackendMongoDB:
		st, err := mongodb.NewStore(ctx, &mongodb.Config{
			URI:      cfg.Storage.MongoDB.URI,
			Database: cfg.Storage.MongoDB.Database,
			Timeout:  cfg.Storage.MongoDB.Timeout,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("opening mongodb: %w", err)
		}
		return st, nil
	default:
		return nil, nil
	}
}

func loadSnapshot(ctx context.Context, backend storage.Backend) (*storage.Snapshot, error) {
	if backend == nil {
		return &storage.Snapshot{}, nil
	}
	return backend.Load(ctx)
}
