package storage_test

import (
	"github.com/sirosfoundation/as4-engine/internal/storage"
	"github.com/sirosfoundation/as4-engine/internal/storage/mongodb"
	"github.com/sirosfoundation/as4-engine/internal/storage/wal"
)

var (
	_ storage.Backend = (*wal.Store)(nil)
	_ storage.Backend = (*mongodb.Store)(nil)
)
