package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DuplicateStore is a reliability.DuplicateStore on the duplicates
// collection. Engines sharing a database see each other's message IDs; the
// unique _id makes exactly one concurrent insert of an ID succeed.
type DuplicateStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

// DuplicateStore returns the shared duplicate store of s. A nil clock means
// time.Now.
func (s *Store) DuplicateStore(now func() time.Time) *DuplicateStore {
	if now == nil {
		now = time.Now
	}
	return &DuplicateStore{coll: s.duplicates, now: now}
}

// RecordIfNew implements reliability.DuplicateStore
func (d *DuplicateStore) RecordIfNew(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, errors.New("message id is required")
	}
	_, err := d.coll.InsertOne(ctx, duplicateDoc{ID: messageID, FirstSeen: d.now().UTC()})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recording %s: %w", messageID, err)
	}
	return true, nil
}

// Seen implements reliability.DuplicateStore
func (d *DuplicateStore) Seen(ctx context.Context, messageID string) (bool, error) {
	n, err := d.coll.CountDocuments(ctx, bson.M{"_id": messageID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("looking up %s: %w", messageID, err)
	}
	return n > 0, nil
}

// EvictBefore implements reliability.DuplicateStore
func (d *DuplicateStore) EvictBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := d.staleIDs(ctx, cutoff)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	if err := d.deleteStale(ctx, ids, cutoff); err != nil {
		return nil, err
	}
	return ids, nil
}

func (d *DuplicateStore) staleIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	filter := bson.M{"first_seen": bson.M{"$lt": cutoff.UTC()}}
	cursor, err := d.coll.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []duplicateDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// deleteStale removes ids that are still older than cutoff. Another node
// may have evicted and recorded one of them again since it was found.
func (d *DuplicateStore) deleteStale(ctx context.Context, ids []string, cutoff time.Time) error {
	_, err := d.coll.DeleteMany(ctx, bson.M{
		"_id":        bson.M{"$in": ids},
		"first_seen": bson.M{"$lt": cutoff.UTC()},
	})
	if err != nil {
		return fmt.Errorf("evicting duplicates: %w", err)
	}
	return nil
}
