// Command uploader registers a directory of barcode photos as a batch:
// each image is uploaded to the incoming area of the blob store and a
// pending metadata record is created for the pipeline to pick up.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/blob"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/repo/mongodb"
	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

var imageMIMEs = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/tiff": true,
	"image/bmp":  true,
}

func main() {
	dir := flag.String("dir", "", "directory of images to upload")
	batchID := flag.String("batch", "", "batch id; generated when empty")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("error", err))
		os.Exit(1)
	}
	if *dir == "" {
		slog.Error("--dir is required")
		os.Exit(2)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.
	batch := *batchID
	if batch == "" {
		batch = strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
	}

	ctx := context.Background()
	client, err := mongodb.Connect(ctx, cfg)
	if err != nil {
		slog.Error("mongodb connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = client.Disconnect(context.Background()) }()
	db := mongodb.Database(client, cfg)
	if err := mongodb.EnsureIndexes(ctx, db); err != nil {
		slog.Error("index setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	images := mongodb.NewImageRepo(db)

	blobs, err := blob.NewAzureStore(cfg)
	if err != nil {
		slog.Error("blob store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	var uploaded, skipped, failed int
	walkErr := filepath.WalkDir(*dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch upload(ctx, images, blobs, batch, path, entropy, logger) {
		case nil:
			uploaded++
		case errSkipped:
			skipped++
		default:
			failed++
		}
		return nil
	})
	if walkErr != nil {
		slog.Error("directory walk failed", slog.Any("error", walkErr))
		os.Exit(1)
	}

	logger.Info("batch registered",
		slog.String("batch_id", batch),
		slog.Int("uploaded", uploaded),
		slog.Int("skipped", skipped),
		slog.Int("failed", failed))
	fmt.Println(batch)
	if failed > 0 {
		os.Exit(1)
	}
}

var errSkipped = errors.New("skipped")

func upload(ctx context.Context, images *mongodb.ImageRepo, blobs *blob.AzureStore, batch, path string, entropy *ulid.MonotonicEntropy, logger *slog.Logger) error {
	filename := filepath.Base(path)

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("read failed", slog.String("file", filename), slog.Any("error", err))
		return err
	}
	mime := mimetype.Detect(data)
	if !imageMIMEs[mime.String()] {
		logger.Warn("not an image, skipping",
			slog.String("file", filename),
			slog.String("mime", mime.String()))
		return errSkipped
	}

	// Re-running the uploader on the same directory must not duplicate work.
	if _, err := images.GetBySourceFilename(ctx, batch, filename); err == nil {
		logger.Info("already registered, skipping", slog.String("file", filename))
		return errSkipped
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	incoming := blob.Incoming(batch, filename)
	if err := blobs.Upload(ctx, incoming, data, mime.String()); err != nil {
		logger.Error("upload failed", slog.String("file", filename), slog.Any("error", err))
		return err
	}

	imageID := strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
	_, err = images.Create(ctx, domain.Image{
		ImageID:        imageID,
		BatchID:        batch,
		SourcePath:     incoming,
		SourceFilename: filename,
		Status:         domain.ImagePending,
		ContentType:    mime.String(),
		FileSizeBytes:  int64(len(data)),
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return errSkipped
		}
		logger.Error("image create failed", slog.String("file", filename), slog.Any("error", err))
		return err
	}
	logger.Info("registered",
		slog.String("file", filename),
		slog.String("image_id", imageID))
	return nil
}
