// Package mongodb implements the storage backend using MongoDB
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/as4-engine/internal/storage"
	"github.com/sirosfoundation/as4-engine/pkg/mpc"
	"github.com/sirosfoundation/as4-engine/pkg/pmode"
	"github.com/sirosfoundation/as4-engine/pkg/reliability"
)

// Store implements storage.Backend using MongoDB
type Store struct {
	client  *mongo.Client
	db      *mongo.Database
	timeout time.Duration
	logger  *slog.Logger

	// Collections
	pmodes     *mongo.Collection
	mpcs       *mongo.Collection
	duplicates *mongo.Collection
}

// Config holds MongoDB connection settings
type Config struct {
	URI      string
	Database string
	// Timeout bounds every journal write. Defaults to 10s.
	Timeout time.Duration
	Logger  *slog.Logger
}

type pmodeDoc struct {
	ID             string     `bson:"_id"`
	Service        string     `bson:"service,omitempty"`
	Action         string     `bson:"action,omitempty"`
	XML            string     `bson:"xml"`
	CreatedAt      time.Time  `bson:"created_at"`
	LastModifiedAt time.Time  `bson:"last_modified_at"`
	DeletedAt      *time.Time `bson:"deleted_at,omitempty"`
}

type mpcDoc struct {
	ID             string     `bson:"_id"`
	CreatedAt      time.Time  `bson:"created_at"`
	LastModifiedAt time.Time  `bson:"last_modified_at"`
	DeletedAt      *time.Time `bson:"deleted_at,omitempty"`
}

type duplicateDoc struct {
	ID        string    `bson:"_id"`
	FirstSeen time.Time `bson:"first_seen"`
}

// NewStore connects to MongoDB and prepares the collections
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongodb: uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "as4"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// Connect to MongoDB
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	// Verify connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:     client,
		db:         db,
		timeout:    cfg.Timeout,
		logger:     cfg.Logger.With(slog.String("component", "mongodb")),
		pmodes:     db.Collection("pmodes"),
		mpcs:       db.Collection("mpcs"),
		duplicates: db.Collection("duplicates"),
	}

	// Create indexes
	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	// PMode lookup by service and action
	_, err := s.pmodes.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "service", Value: 1}, {Key: "action", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating pmode indexes: %w", err)
	}

	// Eviction scans by first_seen
	_, err = s.duplicates.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "first_seen", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating duplicate indexes: %w", err)
	}

	return nil
}

// Close closes the MongoDB connection
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) writeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func fromOptional(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// PMode journal

// PutPMode implements pmode.Journal
func (s *Store) PutPMode(p *pmode.PMode) error {
	data, err := p.MarshalXML()
	if err != nil {
		return fmt.Errorf("encoding pmode %s: %w", p.ID, err)
	}
	doc := pmodeDoc{
		ID:             p.ID,
		Service:        p.Service(),
		Action:         p.Action(),
		XML:            string(data),
		CreatedAt:      p.CreatedAt.UTC(),
		LastModifiedAt: p.LastModifiedAt.UTC(),
		DeletedAt:      optionalTime(p.DeletedAt),
	}

	ctx, cancel := s.writeContext()
	defer cancel()
	_, err = s.pmodes.ReplaceOne(ctx, bson.M{"_id": p.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

// RemovePMode implements pmode.Journal
func (s *Store) RemovePMode(id string) error {
	ctx, cancel := s.writeContext()
	defer cancel()
	_, err := s.pmodes.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// ListPModes returns every persisted PMode, soft-deleted ones included,
// oldest first.
func (s *Store) ListPModes(ctx context.Context) ([]*pmode.PMode, error) {
	cursor, err := s.pmodes.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []pmodeDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*pmode.PMode, 0, len(docs))
	for _, d := range docs {
		p, err := pmode.UnmarshalXML([]byte(d.XML))
		if err != nil {
			return nil, fmt.Errorf("decoding pmode %s: %w", d.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// MPC journal

// PutMPC implements mpc.Journal
func (s *Store) PutMPC(m *mpc.MPC) error {
	doc := mpcDoc{
		ID:             m.ID,
		CreatedAt:      m.CreatedAt.UTC(),
		LastModifiedAt: m.LastModifiedAt.UTC(),
		DeletedAt:      optionalTime(m.DeletedAt),
	}
	ctx, cancel := s.writeContext()
	defer cancel()
	_, err := s.mpcs.ReplaceOne(ctx, bson.M{"_id": m.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

// RemoveMPC implements mpc.Journal
func (s *Store) RemoveMPC(id string) error {
	ctx, cancel := s.writeContext()
	defer cancel()
	_, err := s.mpcs.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// ListMPCs returns every persisted channel
func (s *Store) ListMPCs(ctx context.Context) ([]*mpc.MPC, error) {
	cursor, err := s.mpcs.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []mpcDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*mpc.MPC, 0, len(docs))
	for _, d := range docs {
		out = append(out, &mpc.MPC{
			ID:             d.ID,
			CreatedAt:      d.CreatedAt,
			LastModifiedAt: d.LastModifiedAt,
			DeletedAt:      fromOptional(d.DeletedAt),
		})
	}
	return out, nil
}

// Duplicate journal

// PutDuplicate implements reliability.DuplicateJournal
func (s *Store) PutDuplicate(item *reliability.DuplicateItem) error {
	ctx, cancel := s.writeContext()
	defer cancel()
	_, err := s.duplicates.ReplaceOne(ctx, bson.M{"_id": item.MessageID},
		duplicateDoc{ID: item.MessageID, FirstSeen: item.FirstSeen.UTC()},
		options.Replace().SetUpsert(true))
	return err
}

// RemoveDuplicates implements reliability.DuplicateJournal
func (s *Store) RemoveDuplicates(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.writeContext()
	defer cancel()
	_, err := s.duplicates.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	return err
}

// ListDuplicates returns every persisted duplicate detection entry
func (s *Store) ListDuplicates(ctx context.Context) ([]*reliability.DuplicateItem, error) {
	cursor, err := s.duplicates.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []duplicateDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*reliability.DuplicateItem, 0, len(docs))
	for _, d := range docs {
		out = append(out, &reliability.DuplicateItem{MessageID: d.ID, FirstSeen: d.FirstSeen})
	}
	return out, nil
}

// Load implements storage.Backend
func (s *Store) Load(ctx context.Context) (*storage.Snapshot, error) {
	pmodes, err := s.ListPModes(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading pmodes: %w", err)
	}
	mpcs, err := s.ListMPCs(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading mpcs: %w", err)
	}
	dups, err := s.ListDuplicates(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading duplicates: %w", err)
	}
	s.logger.Info("storage loaded",
		slog.Int("pmodes", len(pmodes)),
		slog.Int("mpcs", len(mpcs)),
		slog.Int("duplicates", len(dups)))
	return &storage.Snapshot{PModes: pmodes, MPCs: mpcs, Duplicates: dups}, nil
}
