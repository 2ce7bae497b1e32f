package mongodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// ProductRepo looks up catalog products by barcode.
type ProductRepo struct {
	coll *mongo.Collection
}

// NewProductRepo constructs a ProductRepo on the given database.
func NewProductRepo(db *mongo.Database) *ProductRepo {
	return &ProductRepo{coll: db.Collection(collProducts)}
}

// GetByAnyCode finds a product by its primary EAN or any alternate code.
func (r *ProductRepo) GetByAnyCode(ctx context.Context, code string) (domain.Product, error) {
	ctx, span := otel.Tracer("repo.products").Start(ctx, "products.GetByAnyCode")
	defer span.End()

	filter := bson.M{"$or": bson.A{
		bson.M{"ean": code},
		bson.M{"alternate_codes": code},
	}}
	var p domain.Product
	err := r.coll.FindOne(ctx, filter).Decode(&p)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Product{}, fmt.Errorf("op=products.get_by_code code=%s: %w", code, domain.ErrNotFound)
		}
		return domain.Product{}, fmt.Errorf("op=products.get_by_code code=%s: %w", code, err)
	}
	return p, nil
}

// Upsert writes a product keyed by its EAN.
func (r *ProductRepo) Upsert(ctx context.Context, p domain.Product) (string, error) {
	ctx, span := otel.Tracer("repo.products").Start(ctx, "products.Upsert")
	defer span.End()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	update := bson.M{
		"$set": bson.M{
			"alternate_codes": p.AlternateCodes,
			"name":            p.Name,
			"category":        p.Category,
			"active":          p.Active,
		},
		"$setOnInsert": bson.M{"_id": p.ID, "ean": p.EAN},
	}
	res, err := r.coll.UpdateOne(ctx, bson.M{"ean": p.EAN}, update, options.Update().SetUpsert(true))
	if err != nil {
		return "", fmt.Errorf("op=products.upsert ean=%s: %w", p.EAN, err)
	}
	if res.UpsertedID != nil {
		if id, ok := res.UpsertedID.(string); ok {
			return id, nil
		}
	}
	existing, err := r.GetByAnyCode(ctx, p.EAN)
	if err != nil {
		return "", err
	}
	return existing.ID, nil
}

var _ domain.ProductRepository = (*ProductRepo)(nil)
