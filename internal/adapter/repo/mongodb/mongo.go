// Package mongodb implements the image, detection, product and job
// repositories on the MongoDB metadata store.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

const (
	collImages     = "images"
	collDetections = "detections"
	collProducts   = "products"
	collJobs       = "jobs"
)

// Connect opens a client and verifies connectivity with a ping.
func Connect(ctx context.Context, cfg config.Config) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("op=mongodb.Connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("op=mongodb.Connect ping: %w", err)
	}
	return client, nil
}

// Database returns the configured application database.
func Database(client *mongo.Client, cfg config.Config) *mongo.Database {
	return client.Database(cfg.MongoDatabase)
}

// EnsureIndexes creates the indexes backing the pipeline's query keys.
// Safe to call on every startup.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	specs := map[string][]mongo.IndexModel{
		collImages: {
			{Keys: bson.D{{Key: "image_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "batch_id", Value: 1}, {Key: "source_filename", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "status_updated_at", Value: 1}}},
		},
		collDetections: {
			{Keys: bson.D{{Key: "image_id", Value: 1}}},
			{Keys: bson.D{{Key: "normalized_code", Value: 1}}},
			{Keys: bson.D{{Key: "code", Value: 1}}},
		},
		collProducts: {
			{Keys: bson.D{{Key: "ean", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "alternate_codes", Value: 1}}},
		},
		collJobs: {
			{Keys: bson.D{{Key: "job_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "job_type", Value: 1}, {Key: "status", Value: 1}, {Key: "scheduled_for", Value: 1}, {Key: "priority", Value: -1}}},
			// Backstop for concurrent dispatchers: at most one active job
			// per (job_type, image_id) pair. Needs MongoDB >= 6.0 for $in
			// in a partial filter.
			{
				Keys: bson.D{{Key: "job_type", Value: 1}, {Key: "image_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.D{
					{Key: "status", Value: bson.D{{Key: "$in", Value: bson.A{domain.JobPending, domain.JobInProgress}}}},
				}),
			},
		},
	}
	for coll, models := range specs {
		if _, err := db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("op=mongodb.EnsureIndexes coll=%s: %w", coll, err)
		}
	}
	return nil
}
