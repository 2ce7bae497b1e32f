package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// ImageRepo persists images in the images collection.
type ImageRepo struct {
	coll *mongo.Collection
}

// NewImageRepo constructs an ImageRepo on the given database.
func NewImageRepo(db *mongo.Database) *ImageRepo {
	return &ImageRepo{coll: db.Collection(collImages)}
}

// Create inserts a new image row. A duplicate image_id is ErrConflict.
func (r *ImageRepo) Create(ctx context.Context, img domain.Image) (string, error) {
	ctx, span := otel.Tracer("repo.images").Start(ctx, "images.Create")
	defer span.End()

	now := time.Now().UTC()
	if img.CreatedAt.IsZero() {
		img.CreatedAt = now
	}
	img.UpdatedAt = now
	if img.StatusUpdatedAt.IsZero() {
		img.StatusUpdatedAt = now
	}
	if _, err := r.coll.InsertOne(ctx, img); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", fmt.Errorf("op=images.create: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=images.create: %w", err)
	}
	return img.ImageID, nil
}

// Get loads one image by its id.
func (r *ImageRepo) Get(ctx context.Context, imageID string) (domain.Image, error) {
	ctx, span := otel.Tracer("repo.images").Start(ctx, "images.Get")
	defer span.End()

	var img domain.Image
	err := r.coll.FindOne(ctx, bson.M{"image_id": imageID}).Decode(&img)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Image{}, fmt.Errorf("op=images.get id=%s: %w", imageID, domain.ErrNotFound)
		}
		return domain.Image{}, fmt.Errorf("op=images.get id=%s: %w", imageID, err)
	}
	return img, nil
}

// GetBySourceFilename loads an image by its batch and original filename.
// The uploader uses this for duplicate detection.
func (r *ImageRepo) GetBySourceFilename(ctx context.Context, batchID, sourceFilename string) (domain.Image, error) {
	ctx, span := otel.Tracer("repo.images").Start(ctx, "images.GetBySourceFilename")
	defer span.End()

	var img domain.Image
	err := r.coll.FindOne(ctx, bson.M{"batch_id": batchID, "source_filename": sourceFilename}).Decode(&img)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Image{}, fmt.Errorf("op=images.get_by_filename: %w", domain.ErrNotFound)
		}
		return domain.Image{}, fmt.Errorf("op=images.get_by_filename: %w", err)
	}
	return img, nil
}

// Transition performs the conditional status update guarded on the expected
// current status. A lost race surfaces as ErrConflict so the caller can
// record the work as skipped rather than failed.
func (r *ImageRepo) Transition(ctx context.Context, imageID string, from, to domain.ImageStatus, upd domain.ImageUpdate) error {
	ctx, span := otel.Tracer("repo.images").Start(ctx, "images.Transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("image.id", imageID),
		attribute.String("image.from", string(from)),
		attribute.String("image.to", string(to)),
	)

	if !domain.CanTransition(from, to) {
		return fmt.Errorf("op=images.transition %s->%s: %w", from, to, domain.ErrInvalidArgument)
	}

	now := time.Now().UTC()
	set := bson.M{
		"status":            to,
		"status_updated_at": now,
		"updated_at":        now,
	}
	if upd.Preprocessing != nil {
		set["preprocessing"] = *upd.Preprocessing
	}
	if upd.NeedsFallback != nil {
		set["processing.needs_fallback"] = *upd.NeedsFallback
	}
	if upd.FinalBlobPath != nil {
		set["final_blob_path"] = *upd.FinalBlobPath
	}
	if upd.DetectionCount != nil {
		set["detection_count"] = *upd.DetectionCount
	}
	update := bson.M{"$set": set}
	if upd.AddTokens > 0 {
		update["$inc"] = bson.M{"processing.llm_tokens_used": upd.AddTokens}
	}

	res, err := r.coll.UpdateOne(ctx, bson.M{"image_id": imageID, "status": from}, update)
	if err != nil {
		return fmt.Errorf("op=images.transition id=%s: %w", imageID, err)
	}
	if res.MatchedCount == 0 {
		// Either the row is gone or another worker moved it first.
		if _, getErr := r.Get(ctx, imageID); getErr != nil {
			return fmt.Errorf("op=images.transition id=%s: %w", imageID, domain.ErrNotFound)
		}
		return fmt.Errorf("op=images.transition id=%s expected=%s: %w", imageID, from, domain.ErrConflict)
	}
	return nil
}

// FindByStatus lists images in a status, optionally scoped to a batch,
// oldest status change first.
func (r *ImageRepo) FindByStatus(ctx context.Context, status domain.ImageStatus, batchID string, limit int) ([]domain.Image, error) {
	ctx, span := otel.Tracer("repo.images").Start(ctx, "images.FindByStatus")
	defer span.End()

	filter := bson.M{"status": status}
	if batchID != "" {
		filter["batch_id"] = batchID
	}
	return r.find(ctx, "find_by_status", filter, limit)
}

// FindPrimaryReady lists preprocessed images awaiting the primary decoder.
func (r *ImageRepo) FindPrimaryReady(ctx context.Context, limit int) ([]domain.Image, error) {
	ctx, span := otel.Tracer("repo.images").Start(ctx, "images.FindPrimaryReady")
	defer span.End()

	filter := bson.M{
		"status":                    domain.ImagePreprocessed,
		"processing.needs_fallback": bson.M{"$ne": true},
	}
	return r.find(ctx, "find_primary_ready", filter, limit)
}

// FindNeedingFallback lists preprocessed images the primary decoder gave up on.
func (r *ImageRepo) FindNeedingFallback(ctx context.Context, limit int) ([]domain.Image, error) {
	ctx, span := otel.Tracer("repo.images").Start(ctx, "images.FindNeedingFallback")
	defer span.End()

	filter := bson.M{
		"status":                    domain.ImagePreprocessed,
		"processing.needs_fallback": true,
	}
	return r.find(ctx, "find_needing_fallback", filter, limit)
}

// FindFailedForRetry lists failed images whose fallback attempt budget is not
// exhausted and whose last status change is at least minAge old.
func (r *ImageRepo) FindFailedForRetry(ctx context.Context, limit, maxAttempts int, minAge time.Duration) ([]domain.Image, error) {
	ctx, span := otel.Tracer("repo.images").Start(ctx, "images.FindFailedForRetry")
	defer span.End()

	cutoff := time.Now().UTC().Add(-minAge)
	filter := bson.M{
		"status":            domain.ImageFailed,
		"status_updated_at": bson.M{"$lte": cutoff},
		"$expr": bson.M{"$lt": bson.A{
			bson.M{"$size": bson.M{"$ifNull": bson.A{"$processing.fallback_attempts", bson.A{}}}},
			maxAttempts,
		}},
	}
	return r.find(ctx, "find_failed_for_retry", filter, limit)
}

func (r *ImageRepo) find(ctx context.Context, op string, filter bson.M, limit int) ([]domain.Image, error) {
	opts := options.Find().SetSort(bson.D{{Key: "status_updated_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("op=images.%s: %w", op, err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []domain.Image
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("op=images.%s: %w", op, err)
	}
	return out, nil
}

// AddProcessingError appends a stage failure to the image audit trail.
func (r *ImageRepo) AddProcessingError(ctx context.Context, imageID, stage, message string, details map[string]any) error {
	ctx, span := otel.Tracer("repo.images").Start(ctx, "images.AddProcessingError")
	defer span.End()

	entry := domain.ProcessingError{Stage: stage, Message: message, Timestamp: time.Now().UTC(), Details: details}
	res, err := r.coll.UpdateOne(ctx, bson.M{"image_id": imageID}, bson.M{
		"$push": bson.M{"processing.errors": entry},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("op=images.add_error id=%s: %w", imageID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("op=images.add_error id=%s: %w", imageID, domain.ErrNotFound)
	}
	return nil
}

// AddDecoderAttempt appends a decoder run record to the primary or fallback
// attempt list.
func (r *ImageRepo) AddDecoderAttempt(ctx context.Context, imageID string, att domain.DecoderAttempt, fallback bool) error {
	ctx, span := otel.Tracer("repo.images").Start(ctx, "images.AddDecoderAttempt")
	defer span.End()

	field := "processing.primary_attempts"
	if fallback {
		field = "processing.fallback_attempts"
	}
	res, err := r.coll.UpdateOne(ctx, bson.M{"image_id": imageID}, bson.M{
		"$push": bson.M{field: att},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("op=images.add_attempt id=%s: %w", imageID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("op=images.add_attempt id=%s: %w", imageID, domain.ErrNotFound)
	}
	return nil
}

// SetFinalBlobPath records the terminal blob location.
func (r *ImageRepo) SetFinalBlobPath(ctx context.Context, imageID, path string) error {
	ctx, span := otel.Tracer("repo.images").Start(ctx, "images.SetFinalBlobPath")
	defer span.End()

	res, err := r.coll.UpdateOne(ctx, bson.M{"image_id": imageID}, bson.M{
		"$set": bson.M{"final_blob_path": path, "updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("op=images.set_final_path id=%s: %w", imageID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("op=images.set_final_path id=%s: %w", imageID, domain.ErrNotFound)
	}
	return nil
}

// Stats counts images per status, optionally scoped to a batch.
func (r *ImageRepo) Stats(ctx context.Context, batchID string) (map[domain.ImageStatus]int64, error) {
	ctx, span := otel.Tracer("repo.images").Start(ctx, "images.Stats")
	defer span.End()

	match := bson.M{}
	if batchID != "" {
		match["batch_id"] = batchID
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	}
	cur, err := r.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("op=images.stats: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	out := make(map[domain.ImageStatus]int64)
	for cur.Next(ctx) {
		var row struct {
			Status domain.ImageStatus `bson:"_id"`
			Count  int64              `bson:"count"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("op=images.stats: %w", err)
		}
		out[row.Status] = row.Count
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("op=images.stats: %w", err)
	}
	return out, nil
}

var _ domain.ImageRepository = (*ImageRepo)(nil)
