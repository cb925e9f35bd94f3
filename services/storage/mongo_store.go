package storage

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"time"

	"narrative_backend/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDB collection names
const (
	MongoMarketsCollection   = "pm_markets"
	MongoSnapshotsCollection = "pm_snapshots"
)

// MongoStore keeps snapshots and the watchlist in MongoDB
type MongoStore struct {
	client    *mongo.Client
	markets   *mongo.Collection
	snapshots *mongo.Collection
	now       func() time.Time
}

// NewMongoStore connects, pings and ensures indexes
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if uri == "" {
		return nil, fmt.Errorf("MONGODB_URI not set")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:    client,
		markets:   db.Collection(MongoMarketsCollection),
		snapshots: db.Collection(MongoSnapshotsCollection),
		now:       func() time.Time { return time.Now().UTC() },
	}

	if err := s.ensureIndexes(connectCtx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	log.Printf("Connected to MongoDB database %s", database)
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.snapshots.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "slug", Value: 1}, {Key: "ts", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create snapshot index: %w", err)
	}
	_, err = s.markets.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "active", Value: 1}, {Key: "updated_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create market index: %w", err)
	}
	return nil
}

// Ping checks the server is reachable
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// InsertSnapshot appends one observation
func (s *MongoStore) InsertSnapshot(ctx context.Context, snap *models.MarketSnapshot) error {
	if _, err := s.snapshots.InsertOne(ctx, snap); err != nil {
		return fmt.Errorf("failed to insert snapshot for %s: %w", snap.Slug, err)
	}
	return nil
}

// ListRecentSnapshots returns up to limit snapshots for slug, newest first
func (s *MongoStore) ListRecentSnapshots(ctx context.Context, slug string, limit int) ([]models.MarketSnapshot, error) {
	return s.findSnapshots(ctx, bson.M{"slug": slug}, limit)
}

// ListSnapshots returns snapshots for a slug inside an optional time window, newest first
func (s *MongoStore) ListSnapshots(ctx context.Context, q SnapshotQuery) ([]models.MarketSnapshot, error) {
	q = q.Normalize()

	filter := bson.M{"slug": q.Slug}
	window := bson.M{}
	if !q.From.IsZero() {
		window["$gte"] = q.From.UTC()
	}
	if !q.To.IsZero() {
		window["$lte"] = q.To.UTC()
	}
	if len(window) > 0 {
		filter["ts"] = window
	}
	return s.findSnapshots(ctx, filter, q.Limit)
}

func (s *MongoStore) findSnapshots(ctx context.Context, filter bson.M, limit int) ([]models.MarketSnapshot, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "ts", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.snapshots.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer cursor.Close(ctx)

	var snaps []models.MarketSnapshot
	if err := cursor.All(ctx, &snaps); err != nil {
		return nil, fmt.Errorf("failed to decode snapshots: %w", err)
	}
	return snaps, nil
}

// ListActiveSlugs returns the watchlist, most recently touched first
func (s *MongoStore) ListActiveSlugs(ctx context.Context) ([]string, error) {
	markets, err := s.findMarkets(ctx, bson.M{"active": true}, bson.D{{Key: "updated_at", Value: -1}}, 0)
	if err != nil {
		return nil, err
	}
	slugs := make([]string, len(markets))
	for i, m := range markets {
		slugs[i] = m.Slug
	}
	return slugs, nil
}

// UpsertTrackedMarket creates or reactivates a market.
// Empty league/title leave the stored values untouched.
func (s *MongoStore) UpsertTrackedMarket(ctx context.Context, m models.TrackedMarket) error {
	set := bson.M{"active": true, "updated_at": s.now()}
	setOnInsert := bson.M{}
	if m.League != "" {
		set["league"] = m.League
	} else {
		setOnInsert["league"] = ""
	}
	if m.Title != "" {
		set["title"] = m.Title
	} else {
		setOnInsert["title"] = ""
	}

	update := bson.M{"$set": set}
	if len(setOnInsert) > 0 {
		update["$setOnInsert"] = setOnInsert
	}

	_, err := s.markets.UpdateOne(ctx, bson.M{"_id": m.Slug}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert market %s: %w", m.Slug, err)
	}
	return nil
}

// DeactivateTrackedMarket removes a slug from the watchlist without deleting it
func (s *MongoStore) DeactivateTrackedMarket(ctx context.Context, slug string) error {
	res, err := s.markets.UpdateOne(ctx,
		bson.M{"_id": slug},
		bson.M{"$set": bson.M{"active": false, "updated_at": s.now()}},
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate market %s: %w", slug, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("market %s: %w", slug, ErrNotFound)
	}
	return nil
}

// ListTrackedMarkets lists watchlist rows, active or not
func (s *MongoStore) ListTrackedMarkets(ctx context.Context, q MarketQuery) ([]models.TrackedMarket, error) {
	q = q.Normalize()

	filter := bson.M{}
	if q.Q != "" {
		pattern := regexp.QuoteMeta(q.Q)
		filter["$or"] = bson.A{
			bson.M{"_id": bson.M{"$regex": pattern, "$options": "i"}},
			bson.M{"title": bson.M{"$regex": pattern, "$options": "i"}},
		}
	}
	if q.League != "" {
		filter["league"] = bson.M{"$regex": "^" + regexp.QuoteMeta(q.League) + "$", "$options": "i"}
	}

	field := q.Sort
	if field == "slug" {
		field = "_id"
	}
	dir := -1
	if q.Dir == "asc" {
		dir = 1
	}
	return s.findMarkets(ctx, filter, bson.D{{Key: field, Value: dir}}, q.Limit)
}

func (s *MongoStore) findMarkets(ctx context.Context, filter bson.M, sort bson.D, limit int) ([]models.TrackedMarket, error) {
	opts := options.Find().SetSort(sort)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.markets.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query markets: %w", err)
	}
	defer cursor.Close(ctx)

	var markets []models.TrackedMarket
	if err := cursor.All(ctx, &markets); err != nil {
		return nil, fmt.Errorf("failed to decode markets: %w", err)
	}
	return markets, nil
}
