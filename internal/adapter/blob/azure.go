package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	azbl "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// AzureStore implements domain.BlobStore on a single Azure container.
type AzureStore struct {
	client    *azblob.Client
	container string
}

// NewAzureStore builds the store from config, preferring the connection
// string over the account URL.
func NewAzureStore(cfg config.Config) (*AzureStore, error) {
	var client *azblob.Client
	var err error
	switch {
	case cfg.AzureConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.AzureConnectionString, nil)
	case cfg.AzureAccountURL != "":
		client, err = azblob.NewClientWithNoCredential(cfg.AzureAccountURL, nil)
	default:
		return nil, fmt.Errorf("op=blob.NewAzureStore: %w: no azure credentials configured", domain.ErrInvalidArgument)
	}
	if err != nil {
		return nil, fmt.Errorf("op=blob.NewAzureStore: %w", err)
	}
	return &AzureStore{client: client, container: cfg.AzureContainer}, nil
}

func (s *AzureStore) Download(ctx context.Context, path string) ([]byte, error) {
	ctx, span := otel.Tracer("blob.azure").Start(ctx, "blob.Download")
	defer span.End()
	span.SetAttributes(attribute.String("blob.path", path))

	resp, err := s.client.DownloadStream(ctx, s.container, path, nil)
	if err != nil {
		return nil, fmt.Errorf("op=blob.Download path=%s: %w", path, mapErr(err))
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("op=blob.Download path=%s: %w: %v", path, domain.ErrTransient, err)
	}
	return data, nil
}

func (s *AzureStore) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	ctx, span := otel.Tracer("blob.azure").Start(ctx, "blob.Upload")
	defer span.End()
	span.SetAttributes(attribute.String("blob.path", path), attribute.Int("blob.size", len(data)))

	opts := &azblob.UploadBufferOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &azbl.HTTPHeaders{BlobContentType: &contentType}
	}
	if _, err := s.client.UploadBuffer(ctx, s.container, path, data, opts); err != nil {
		return fmt.Errorf("op=blob.Upload path=%s: %w", path, mapErr(err))
	}
	return nil
}

// Move copies server-side then deletes the source. A delete failure is
// returned after the copy succeeded so callers can log and retry the
// cleanup without redoing the copy.
func (s *AzureStore) Move(ctx context.Context, src, dst string) error {
	ctx, span := otel.Tracer("blob.azure").Start(ctx, "blob.Move")
	defer span.End()
	span.SetAttributes(attribute.String("blob.src", src), attribute.String("blob.dst", dst))

	container := s.client.ServiceClient().NewContainerClient(s.container)
	srcBlob := container.NewBlobClient(src)
	dstBlob := container.NewBlobClient(dst)

	if _, err := dstBlob.StartCopyFromURL(ctx, srcBlob.URL(), nil); err != nil {
		return fmt.Errorf("op=blob.Move src=%s dst=%s: %w", src, dst, mapErr(err))
	}
	if err := s.waitCopy(ctx, dstBlob); err != nil {
		return fmt.Errorf("op=blob.Move src=%s dst=%s: %w", src, dst, err)
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, src, nil); err != nil {
		return fmt.Errorf("op=blob.Move delete src=%s: %w", src, mapErr(err))
	}
	return nil
}

func (s *AzureStore) waitCopy(ctx context.Context, dst *azbl.Client) error {
	for {
		props, err := dst.GetProperties(ctx, nil)
		if err != nil {
			return mapErr(err)
		}
		if props.CopyStatus == nil {
			return nil
		}
		switch *props.CopyStatus {
		case azbl.CopyStatusTypeSuccess:
			return nil
		case azbl.CopyStatusTypePending:
		default:
			return fmt.Errorf("%w: copy status %s", domain.ErrTransient, *props.CopyStatus)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (s *AzureStore) Delete(ctx context.Context, path string) error {
	if _, err := s.client.DeleteBlob(ctx, s.container, path, nil); err != nil {
		return fmt.Errorf("op=blob.Delete path=%s: %w", path, mapErr(err))
	}
	return nil
}

func (s *AzureStore) Exists(ctx context.Context, path string) (bool, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(path)
	_, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("op=blob.Exists path=%s: %w", path, mapErr(err))
	}
	return true, nil
}

func (s *AzureStore) URL(path string) string {
	return s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(path).URL()
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrTransient, err)
}

var _ domain.BlobStore = (*AzureStore)(nil)
