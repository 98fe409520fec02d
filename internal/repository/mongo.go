package repository

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/hookrelay/hookrelay/internal/config"
)

const webhookEventsCollection = "webhook_events"

// mongoRegistry decodes embedded documents held in interface fields (the
// event payload) as bson.M instead of bson.D, so they render as JSON
// objects on the way back out.
func mongoRegistry() *bsoncodec.Registry {
	reg := bson.NewRegistry()
	reg.RegisterTypeMapEntry(bson.TypeEmbeddedDocument, reflect.TypeOf(bson.M{}))
	return reg
}

// NewMongoDatabase connects to Mongo, verifies the connection, and returns
// the configured database with a cleanup func for shutdown.
func NewMongoDatabase(ctx context.Context, cfg *config.Config) (*mongo.Database, func(), error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URL).SetRegistry(mongoRegistry()))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(shutdownCtx)
	}
	return client.Database(cfg.Mongo.DBName), cleanup, nil
}

// EnsureIndexes creates the indexes ingest dedupe, the claim query, and
// search filtering depend on. CreateMany is idempotent for existing indexes.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	coll := db.Collection(webhookEventsCollection)
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "next_retry_at", Value: 1},
				{Key: "locked_until", Value: 1},
				{Key: "received_at", Value: 1},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create webhook_events indexes: %w", err)
	}
	return nil
}
