package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// DetectionRepo persists barcode detections.
type DetectionRepo struct {
	coll *mongo.Collection
}

// NewDetectionRepo constructs a DetectionRepo on the given database.
func NewDetectionRepo(db *mongo.Database) *DetectionRepo {
	return &DetectionRepo{coll: db.Collection(collDetections)}
}

// Create inserts one detection and returns its id.
func (r *DetectionRepo) Create(ctx context.Context, d domain.Detection) (string, error) {
	ctx, span := otel.Tracer("repo.detections").Start(ctx, "detections.Create")
	defer span.End()

	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.DetectedAt.IsZero() {
		d.DetectedAt = time.Now().UTC()
	}
	if _, err := r.coll.InsertOne(ctx, d); err != nil {
		return "", fmt.Errorf("op=detections.create: %w", err)
	}
	return d.ID, nil
}

// CreateMany inserts a batch of detections in order.
func (r *DetectionRepo) CreateMany(ctx context.Context, ds []domain.Detection) ([]string, error) {
	ctx, span := otel.Tracer("repo.detections").Start(ctx, "detections.CreateMany")
	defer span.End()

	if len(ds) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	docs := make([]any, 0, len(ds))
	ids := make([]string, 0, len(ds))
	for i := range ds {
		if ds[i].ID == "" {
			ds[i].ID = uuid.New().String()
		}
		if ds[i].DetectedAt.IsZero() {
			ds[i].DetectedAt = now
		}
		ids = append(ids, ds[i].ID)
		docs = append(docs, ds[i])
	}
	if _, err := r.coll.InsertMany(ctx, docs); err != nil {
		return nil, fmt.Errorf("op=detections.create_many: %w", err)
	}
	return ids, nil
}

// Get loads one detection by id.
func (r *DetectionRepo) Get(ctx context.Context, id string) (domain.Detection, error) {
	ctx, span := otel.Tracer("repo.detections").Start(ctx, "detections.Get")
	defer span.End()

	var d domain.Detection
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Detection{}, fmt.Errorf("op=detections.get id=%s: %w", id, domain.ErrNotFound)
		}
		return domain.Detection{}, fmt.Errorf("op=detections.get id=%s: %w", id, err)
	}
	return d, nil
}

// FindByImage lists every detection for an image, oldest first.
func (r *DetectionRepo) FindByImage(ctx context.Context, imageID string) ([]domain.Detection, error) {
	ctx, span := otel.Tracer("repo.detections").Start(ctx, "detections.FindByImage")
	defer span.End()

	cur, err := r.coll.Find(ctx, bson.M{"image_id": imageID},
		options.Find().SetSort(bson.D{{Key: "detected_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("op=detections.find_by_image: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []domain.Detection
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("op=detections.find_by_image: %w", err)
	}
	return out, nil
}

// ExistsForImage reports whether the image has any detection at all.
func (r *DetectionRepo) ExistsForImage(ctx context.Context, imageID string) (bool, error) {
	ctx, span := otel.Tracer("repo.detections").Start(ctx, "detections.ExistsForImage")
	defer span.End()

	n, err := r.coll.CountDocuments(ctx, bson.M{"image_id": imageID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("op=detections.exists: %w", err)
	}
	return n > 0, nil
}

// MarkChosen flags a detection as the reviewer's pick.
func (r *DetectionRepo) MarkChosen(ctx context.Context, id, reviewer string) error {
	ctx, span := otel.Tracer("repo.detections").Start(ctx, "detections.MarkChosen")
	defer span.End()

	now := time.Now().UTC()
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"chosen": true, "rejected": false, "reviewed_at": now, "reviewed_by": reviewer},
	})
	if err != nil {
		return fmt.Errorf("op=detections.mark_chosen id=%s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("op=detections.mark_chosen id=%s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// RejectOthers rejects every detection on the image except the chosen one.
func (r *DetectionRepo) RejectOthers(ctx context.Context, imageID, chosenID, reviewer string) (int64, error) {
	ctx, span := otel.Tracer("repo.detections").Start(ctx, "detections.RejectOthers")
	defer span.End()

	now := time.Now().UTC()
	res, err := r.coll.UpdateMany(ctx,
		bson.M{"image_id": imageID, "_id": bson.M{"$ne": chosenID}},
		bson.M{"$set": bson.M{"rejected": true, "chosen": false, "reviewed_at": now, "reviewed_by": reviewer}})
	if err != nil {
		return 0, fmt.Errorf("op=detections.reject_others image=%s: %w", imageID, err)
	}
	return res.ModifiedCount, nil
}

// RejectAll rejects every detection on the image.
func (r *DetectionRepo) RejectAll(ctx context.Context, imageID, reviewer string) (int64, error) {
	ctx, span := otel.Tracer("repo.detections").Start(ctx, "detections.RejectAll")
	defer span.End()

	now := time.Now().UTC()
	res, err := r.coll.UpdateMany(ctx,
		bson.M{"image_id": imageID},
		bson.M{"$set": bson.M{"rejected": true, "chosen": false, "reviewed_at": now, "reviewed_by": reviewer}})
	if err != nil {
		return 0, fmt.Errorf("op=detections.reject_all image=%s: %w", imageID, err)
	}
	return res.ModifiedCount, nil
}

var _ domain.DetectionRepository = (*DetectionRepo)(nil)
